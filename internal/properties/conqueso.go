package properties

import (
	"fmt"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
)

// Conqueso renders a merged property tree as flat Java-properties text, the
// format the /v1/conqueso endpoint serves. Keys are emitted in sorted order
// so identical trees always render identically.
//
// The reserved `consul` subtree is translated into the conqueso service
// convention: each watched service becomes `conqueso.<service>.ips` with its
// addresses comma-joined.
func Conqueso(tree map[string]any) string {
	flat := treemap.NewWithStringComparator()
	for key, value := range tree {
		if key == "consul" {
			if services, ok := value.(map[string]any); ok {
				flattenConsul(flat, services)
				continue
			}
		}
		flattenInto(flat, key, value)
	}
	var b strings.Builder
	flat.Each(func(key, value any) {
		fmt.Fprintf(&b, "%v=%v\n", key, value)
	})
	return b.String()
}

func flattenConsul(flat *treemap.Map, services map[string]any) {
	for name, value := range services {
		service, ok := value.(map[string]any)
		if !ok {
			continue
		}
		addresses, ok := service["addresses"].([]any)
		if !ok {
			continue
		}
		flat.Put(fmt.Sprintf("conqueso.%v.ips", name), joinScalars(addresses))
	}
}

func flattenInto(flat *treemap.Map, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			flattenInto(flat, prefix+"."+key, child)
		}
	case []any:
		flat.Put(prefix, joinScalars(v))
	default:
		flat.Put(prefix, escapeValue(Stringify(v)))
	}
}

func joinScalars(values []any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		switch v.(type) {
		case map[string]any, []any:
			continue
		default:
			parts = append(parts, escapeValue(Stringify(v)))
		}
	}
	return strings.Join(parts, ",")
}

// escapeValue keeps multi-line values on one properties line.
func escapeValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
