package sync

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// ApplyFieldTransforms applies the configured per property transforms to a
// mapped payload. Properties the payload does not carry are left alone.
func ApplyFieldTransforms(transforms map[string]string, destination Mappable) error {
	if len(transforms) == 0 {
		return nil
	}

	fields := destination.GetFields()

	for _, field := range FieldMapsKeys(transforms) {
		value, exists := fields[field]
		if !exists {
			continue
		}
		transform := transforms[field]

		function, arg, _ := strings.Cut(transform, ":")

		switch function {
		case "toLower":
			if s, ok := value.(string); ok {
				destination.SetField(field, strings.ToLower(s))
			}

		case "toUpper":
			if s, ok := value.(string); ok {
				destination.SetField(field, strings.ToUpper(s))
			}

		case "onlyIfNotEqual":
			if s := fmt.Sprintf("%v", value); arg == s {
				destination.DeleteField(field)
			}

		case "warnIfEqual":
			if s := fmt.Sprintf("%v", value); arg == s {
				log.Printf("Warning: %s has value of '%v'\n", field, s)
			}

		case "truncate":
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid argument %s for transform %s", arg, transform)
			}
			if s, ok := value.(string); ok && len([]rune(s)) > n {
				destination.SetField(field, string([]rune(s)[:n]))
			}

		default:
			return fmt.Errorf("unsupported transform %s for field %s", transform, field)
		}
	}

	return nil
}
