package sync

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type EntityType string

const (
	Companies   EntityType = "companies"
	Individuals EntityType = "individuals"
	Profiles    EntityType = "profiles"
	Orders      EntityType = "orders"
)

// StageOrder is the dependency order of a full sync.
// Associations run after the last entity stage.
var StageOrder = []EntityType{Companies, Individuals, Profiles, Orders}

// ParseEntityTypes parses a comma separated list, e.g. "companies,orders".
func ParseEntityTypes(s string) ([]EntityType, error) {
	var result []EntityType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		e := EntityType(part)
		if !slices.Contains(StageOrder, e) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, part)
		}
		if !slices.Contains(result, e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// Source is a read only view over loosely typed JSON.
type Source struct {
	data gjson.Result
}

// NewSource parses raw JSON into a Source.
func NewSource(json string) Source {
	return Source{data: gjson.Parse(json)}
}

func (s Source) StringForPath(path string) (string, bool) {
	result := s.data.Get(path)
	return result.String(), result.Exists() && (result.Value() != nil)
}

func (s Source) IntForPath(path string) (int64, bool) {
	result := s.data.Get(path)
	return result.Int(), result.Exists() && (result.Value() != nil)
}

func (s Source) FloatForPath(path string) (float64, bool) {
	result := s.data.Get(path)
	return result.Float(), result.Exists() && (result.Value() != nil)
}

func (s Source) BoolForPath(path string) (bool, bool) {
	result := s.data.Get(path)
	return result.Bool(), result.Exists() && (result.Value() != nil)
}

// ArrayForPath returns the elements of an array, nil when absent.
func (s Source) ArrayForPath(path string) []Source {
	result := s.data.Get(path)
	if !result.IsArray() {
		return nil
	}
	var items []Source
	for _, v := range result.Array() {
		items = append(items, Source{data: v})
	}
	return items
}

// Get returns the raw gjson result for path.
func (s Source) Get(path string) gjson.Result {
	return s.data.Get(path)
}

func (s Source) Exists() bool {
	return s.data.Exists()
}

func (s Source) Raw() string {
	return s.data.Raw
}

func (s Source) Data() map[string]interface{} {
	if v := s.data.Value(); v != nil {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

// SourceRecord is one entity fetched from the source system.
type SourceRecord struct {
	Type   EntityType
	Source Source
	config EntityConfig
}

func NewSourceRecord(e EntityType, config EntityConfig, source Source) SourceRecord {
	return SourceRecord{Type: e, Source: source, config: config}
}

// ID returns the stable source identifier, empty if missing.
func (r SourceRecord) ID() string {
	s, _ := r.Source.StringForPath(r.config.IDPath)
	return s
}

// ModifiedAt returns the last modified timestamp, zero if missing or unparseable.
func (r SourceRecord) ModifiedAt() time.Time {
	if r.config.ModifiedPath == "" {
		return time.Time{}
	}
	s, exists := r.Source.StringForPath(r.config.ModifiedPath)
	if !exists {
		return time.Time{}
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
