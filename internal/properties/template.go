package properties

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnresolvedTemplate is returned when a template references a path that is
// not present in the scope tree. Callers treat it as transient: the next
// metadata or index update retries the coercion.
var ErrUnresolvedTemplate = errors.New("unresolved template reference")

var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)*)\s*\}\}`)

// Coerce substitutes {{ dotted.path }} references in value against scope.
// Non-string values pass through untouched; arrays are not descended into.
// A single unresolvable reference fails the whole coercion.
func Coerce(value any, scope map[string]any) (any, error) {
	str, ok := value.(string)
	if !ok {
		return value, nil
	}
	var failed []string
	result := templatePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		resolved, ok := Get(scope, path)
		if !ok {
			failed = append(failed, path)
			return match
		}
		return Stringify(resolved)
	})
	if len(failed) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedTemplate, strings.Join(failed, ", "))
	}
	return result, nil
}
