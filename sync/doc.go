package sync

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// PropertyDocRow represents a single row in the property mapping documentation.
type PropertyDocRow struct {
	Entity       EntityType
	ObjectType   string
	PropertyName string
	Label        string
	PropertyType PropertyType
	SourcePath   string // source path without modifiers, "(derived)" for computed properties
	Notes        string // modifiers, static values and key markers
}

// PropertyDocumentation lists every property the sync writes.
type PropertyDocumentation struct {
	Rows []PropertyDocRow
}

// GeneratePropertyDocumentation generates property documentation from a configuration.
// Rows follow stage order, the idempotency key first, then alphabetically.
func GeneratePropertyDocumentation(config Config) PropertyDocumentation {
	doc := PropertyDocumentation{Rows: []PropertyDocRow{}}
	mapper := RecordMapper{Config: config}
	for _, e := range StageOrder {
		ec, exists := config.Entities[e]
		if !exists {
			continue
		}
		for _, def := range mapper.PropertyDefinitions(e) {
			row := PropertyDocRow{
				Entity:       e,
				ObjectType:   ec.ObjectType,
				PropertyName: def.Name,
				Label:        def.Label,
				PropertyType: ec.FieldMappings.PropertyType(def.Name),
			}
			var notes []string
			switch {
			case def.Name == ec.IDProperty:
				row.PropertyType = StringProperty
				row.SourcePath = ec.IDPath
				notes = append(notes, "Idempotency key")
			case row.PropertyType == UnknownProperty:
				row.PropertyType = StringProperty
				row.SourcePath = "(derived)"
			default:
				sourcePath, modifiers := parseSourcePath(ec.FieldMappings.SourcePath(def.Name))
				row.SourcePath = sourcePath
				for _, m := range modifiers {
					notes = append(notes, formatModifierNote(m))
				}
			}
			if transform, exists := ec.FieldTransforms[def.Name]; exists {
				notes = append(notes, formatModifierNote(transform))
			}
			if def.Name == ec.EmailProperty {
				notes = append(notes, fmt.Sprintf("Placeholder %s<id>@%s when invalid", ec.Kind, config.Destination.PlaceholderEmailDomain))
			}
			row.Notes = strings.Join(notes, " | ")
			doc.Rows = append(doc.Rows, row)
		}
	}
	return doc
}

// parseSourcePath extracts the source path and modifiers from a mapping value.
// e.g., "address.country|@countryName" -> ("address.country", ["@countryName"])
func parseSourcePath(value string) (string, []string) {
	if value == "" {
		return "(computed)", nil
	}
	if isStaticValue(value) {
		return "(static)", []string{value}
	}
	parts := strings.Split(value, "|")
	var modifiers []string
	for _, part := range parts[1:] {
		if strings.HasPrefix(part, "@") {
			modifiers = append(modifiers, part)
		}
	}
	return parts[0], modifiers
}

// formatModifierNote formats a modifier into a human-readable note.
func formatModifierNote(modifier string) string {
	switch {
	case isStaticValue(modifier):
		return fmt.Sprintf("Static value %q", modifier[1:len(modifier)-1])
	case strings.HasPrefix(modifier, "@countryName"):
		return "Uses @countryName transform"
	case strings.HasPrefix(modifier, "@phone"):
		arg := strings.TrimPrefix(strings.TrimPrefix(modifier, "@phone"), ":")
		if arg == "" {
			return "Formats as E.164"
		}
		return fmt.Sprintf("Formats as E.164, default calling code %s", arg)
	case modifier == "toLower":
		return "Converts to lowercase"
	case modifier == "toUpper":
		return "Converts to uppercase"
	case strings.HasPrefix(modifier, "onlyIfNotEqual:"):
		return fmt.Sprintf("Only syncs if not %q", strings.TrimPrefix(modifier, "onlyIfNotEqual:"))
	case strings.HasPrefix(modifier, "warnIfEqual:"):
		return fmt.Sprintf("Warns if %q", strings.TrimPrefix(modifier, "warnIfEqual:"))
	case strings.HasPrefix(modifier, "truncate:"):
		return fmt.Sprintf("Truncated to %s characters", strings.TrimPrefix(modifier, "truncate:"))
	case strings.HasPrefix(modifier, "@contains:"):
		arg := strings.TrimPrefix(modifier, "@contains:")
		return fmt.Sprintf("True if contains %q", arg)
	default:
		return fmt.Sprintf("Transform: %s", modifier)
	}
}

// FormatCSV formats the property documentation as CSV.
func (d PropertyDocumentation) FormatCSV() (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Entity", "CRM Object", "CRM Property", "Label", "Type", "Source Path", "Mapping Notes"}
	if err := writer.Write(headers); err != nil {
		return "", err
	}
	for _, row := range d.Rows {
		record := []string{string(row.Entity), row.ObjectType, row.PropertyName, row.Label, string(row.PropertyType), row.SourcePath, row.Notes}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	return buf.String(), nil
}
