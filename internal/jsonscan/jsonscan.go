// Package jsonscan extracts JSON objects embedded in loosely structured text.
//
// FindObjects walks the input and, at every '{' that is not inside an object
// it already decoded, tries to decode one JSON object. Objects that decode are
// returned in input order; fragments that do not decode are skipped. Comments
// and trailing commas are tolerated. The input is never required to be valid
// JSON as a whole.
package jsonscan

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/jsonc"
)

// FindObjects returns every top-level JSON object it can decode from s.
func FindObjects(s string) []map[string]any {
	objects := []map[string]any{}
	if s == "" {
		return objects
	}
	var lenient string

	for pos := 0; pos < len(s); {
		idx := strings.IndexByte(s[pos:], '{')
		if idx < 0 {
			break
		}
		start := pos + idx

		obj, n, ok := decodeAt(s, start)
		if !ok {
			if lenient == "" {
				// jsonc keeps offsets stable, so positions line up with s.
				lenient = string(jsonc.ToJSON([]byte(s)))
			}
			obj, n, ok = decodeAt(lenient, start)
		}
		if !ok {
			pos = start + 1
			continue
		}
		objects = append(objects, obj)
		pos = start + n
	}
	return objects
}

func decodeAt(s string, start int) (map[string]any, int, bool) {
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, 0, false
	}
	n := int(dec.InputOffset())
	if n <= 0 {
		return nil, 0, false
	}
	return obj, n, true
}
