package sync

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/biter777/countries"
	"github.com/tidwall/gjson"
)

// Modifiers usable in field mapping paths, e.g. "phone|@phone:1".
func init() {

	gjson.AddModifier("phone", func(json, arg string) string {
		res := gjson.Parse(json)
		if !res.Exists() || res.String() == "" {
			return ""
		}
		countryCode, err := strconv.Atoi(arg)
		if err != nil {
			log.Printf("Warning: invalid country code %q for phone modifier: %v", arg, err)
			return ""
		}
		number, ok := NormalizePhone(res.String(), countryCode)
		if !ok {
			log.Printf("Warning: failed to parse phone number %q with country code %q (dropping value)", res.String(), arg)
			return ""
		}
		return strconv.Quote(number)
	})

	gjson.AddModifier("countryName", func(json, arg string) string {
		s := gjson.Parse(json).String()
		c := countries.ByName(s) // will match on Alpha-2 / Alpha-3 / Name
		if countries.Unknown == c {
			return ""
		}
		return strconv.Quote(c.String()) // returns Country Name
	})

	gjson.AddModifier("contains", func(json, arg string) string {
		res := gjson.Parse(json)
		if !res.Exists() {
			return ""
		}
		if res.IsArray() {
			for _, v := range res.Array() {
				if strings.Contains(v.String(), arg) {
					return fmt.Sprintf("%t", true)
				}
			}
			return fmt.Sprintf("%t", false)
		}
		return fmt.Sprintf("%t", strings.Contains(res.String(), arg))
	})

}
