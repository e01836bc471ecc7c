package sync

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
)

//go:embed mappings/*.yaml
var embeddedMappingFiles embed.FS

type MappingFile struct {
	Name   string
	Reader io.Reader
	Length int
}

type EmbeddedMappings struct {
	Root  string
	Files EmbeddedFS
}

type EmbeddedFS interface {
	Open(name string) (fs.File, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	ReadFile(name string) ([]byte, error)
}

// DefaultMappings are the mappings compiled into the binary.
var DefaultMappings = EmbeddedMappings{Root: "mappings", Files: embeddedMappingFiles}

func (em EmbeddedMappings) MustFindRootMappingFile(filename string) (MappingFile, error) {
	var result MappingFile
	name := path.Join(em.Root, filename)
	b, err := em.Files.ReadFile(name)
	if err == nil {
		result.Name = name
		result.Reader = bytes.NewReader(b)
		result.Length = len(b)
	}
	return result, err
}

func (em EmbeddedMappings) MustFindDefaultsMappingFile() (MappingFile, error) {
	return em.MustFindRootMappingFile("defaults.yaml")
}

// MappingFileFromPath reads an override mapping file from disk.
func MappingFileFromPath(name string) (MappingFile, error) {
	var result MappingFile
	b, err := os.ReadFile(name)
	if err != nil {
		return result, fmt.Errorf("failed to read mapping file %s %w", name, err)
	}
	result.Name = name
	result.Reader = bytes.NewReader(b)
	result.Length = len(b)
	return result, nil
}

// MappingFileFromString wraps inline yaml, mostly for tests.
func MappingFileFromString(name, yaml string) MappingFile {
	return MappingFile{Name: name, Reader: bytes.NewReader([]byte(yaml)), Length: len(yaml)}
}
