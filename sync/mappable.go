package sync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Mappable provides a common interface for types that can be mapped.
// This enables shared field mapping logic.
type Mappable interface {
	GetFields() map[string]interface{}
	SetField(key string, value interface{})
	DeleteField(key string)
}

// isStaticValue reports whether a mapping path is a backtick quoted literal.
func isStaticValue(path string) bool {
	return len(path) >= 2 && path[0] == '`' && path[len(path)-1] == '`'
}

// MapFields maps fields from a source to a destination using the provided mappings.
// Absent source values leave the destination field unset so an upsert never
// clears a property the source does not carry.
// Email fields are not handled here, see RecordMapper.
func MapFields(mappings FieldMappings, source Source, destination Mappable) error {
	for field, path := range mappings.Strings {
		// handle static strings as well as dynamic paths
		// escaping the value in backticks allows us to distinguish between the two
		if isStaticValue(path) {
			destination.SetField(field, path[1:len(path)-1])
			continue
		}
		if result, exists := source.StringForPath(path); exists && result != "" {
			destination.SetField(field, result)
		} else {
			destination.DeleteField(field)
		}
	}
	var errs []string
	for field, path := range mappings.Numbers {
		result := source.Get(path)
		if !result.Exists() || result.Type == gjson.Null {
			destination.DeleteField(field)
			continue
		}
		switch result.Type {
		case gjson.Number:
			destination.SetField(field, result.Num)
		case gjson.String:
			s := strings.TrimSpace(result.Str)
			if s == "" {
				destination.DeleteField(field)
				continue
			}
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a number", field, result.Str))
				continue
			}
			destination.SetField(field, n)
		default:
			errs = append(errs, fmt.Sprintf("%s: %s is not a number", field, result.Raw))
		}
	}
	for field, path := range mappings.Booleans {
		if result, exists := source.BoolForPath(path); exists {
			destination.SetField(field, result)
		} else {
			destination.DeleteField(field)
		}
	}
	for field, path := range mappings.Dates {
		if result, exists := source.StringForPath(path); exists {
			if ms, ok := NormalizeDate(result); ok {
				destination.SetField(field, ms)
				continue
			}
		}
		destination.DeleteField(field)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}
