package policy

import (
	"encoding/json"
	"sort"
	"strings"
)

// pathKeys are the argument names treated as filesystem locations
var pathKeys = map[string]struct{}{
	"path":        {},
	"paths":       {},
	"file":        {},
	"file_path":   {},
	"filepath":    {},
	"source":      {},
	"destination": {},
	"directory":   {},
	"dir":         {},
	"uri":         {},
}

// maxPathDepth bounds how deep nested argument objects are searched
const maxPathDepth = 4

// ExtractPaths collects the path-like values of a tools/call arguments object.
// The result is sorted and deduplicated; it feeds matching only and is never logged.
func ExtractPaths(arguments json.RawMessage) []string {
	if len(arguments) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(arguments, &v); err != nil {
		return nil
	}

	set := make(map[string]struct{})
	collectPaths(v, false, 0, set)
	if len(set) == 0 {
		return nil
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func collectPaths(v interface{}, isPathKey bool, depth int, set map[string]struct{}) {
	if depth > maxPathDepth {
		return
	}
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			_, pk := pathKeys[strings.ToLower(k)]
			collectPaths(child, pk, depth+1, set)
		}
	case []interface{}:
		for _, child := range val {
			collectPaths(child, isPathKey, depth+1, set)
		}
	case string:
		if isPathKey && val != "" {
			set[val] = struct{}{}
		}
	}
}
