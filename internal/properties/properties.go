// Package properties implements the JSON-value trees propsd assembles from
// its sources: deep merging, dotted-path lookup, content signatures, and the
// template interpolation used on index source definitions.
package properties

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Merge deep-merges src over dst and returns a fresh tree. Neither input is
// modified. Maps merge recursively, every other value from src replaces the
// value in dst, including sequences, which are swapped wholesale.
func Merge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = Copy(v)
	}
	for k, v := range src {
		existing, ok := out[k]
		existingMap, okDst := existing.(map[string]any)
		srcMap, okSrc := v.(map[string]any)
		if ok && okDst && okSrc {
			out[k] = Merge(existingMap, srcMap)
		} else {
			out[k] = Copy(v)
		}
	}
	return out
}

// Copy returns a deep copy of a property-tree value.
func Copy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Copy(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Copy(e)
		}
		return out
	default:
		return value
	}
}

// Get resolves a dotted path against a tree. It returns false if any segment
// is missing or a non-map value is hit before the final segment.
func Get(tree map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	current := tree
	for i, seg := range segments {
		value, ok := current[seg]
		if !ok {
			return nil, false
		}
		if i == len(segments)-1 {
			return value, true
		}
		current, ok = value.(map[string]any)
		if !ok {
			return nil, false
		}
	}
	return nil, false
}

// Set places value at the given key path, creating intermediate maps as
// needed. Existing non-map values along the path are replaced.
func Set(tree map[string]any, path []string, value any) {
	current := tree
	for _, seg := range path[:len(path)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

// Hash returns the SHA-1 hex digest of the canonical JSON form of a value.
// encoding/json emits map keys in sorted order, which makes the digest stable
// across runs for equal trees.
func Hash(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		// Trees come from json.Unmarshal, so this only trips on programmer
		// error. Degrade to a digest of the error text rather than panic.
		data = []byte(err.Error())
	}
	return fmt.Sprintf("%x", sha1.Sum(data))
}

// Stringify renders a scalar the way it appears in a properties file. JSON
// numbers arrive as float64; integral values print without an exponent or
// trailing zeros.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
