package telephony

import (
	"net/url"
	"sort"
	"strings"
)

// ParseBracketForm turns form keys like a[b][0][c] into nested maps.
// Numeric segments stay string keys ("0"), so lists read as maps.
// A key that is not well-formed bracket notation is kept literally.
func ParseBracketForm(v url.Values) map[string]any {
	root := map[string]any{}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	// Deterministic result when two keys collide on a path.
	sort.Strings(keys)

	for _, k := range keys {
		vals := v[k]
		if len(vals) == 0 {
			continue
		}
		path := splitBracketKey(k)
		setPath(root, path, vals[0])
	}
	return root
}

func splitBracketKey(k string) []string {
	open := strings.IndexByte(k, '[')
	if open <= 0 || !strings.HasSuffix(k, "]") {
		return []string{k}
	}
	path := []string{k[:open]}
	rest := k[open:]
	for rest != "" {
		if rest[0] != '[' {
			return []string{k}
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return []string{k}
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path
}

func setPath(node map[string]any, path []string, value string) {
	for i, seg := range path {
		if i == len(path)-1 {
			if _, isMap := node[seg].(map[string]any); !isMap {
				node[seg] = value
			}
			return
		}
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[seg] = child
		}
		node = child
	}
}

// Lookup walks a parsed tree.
func Lookup(tree map[string]any, path ...string) (any, bool) {
	var cur any = tree
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Str returns the string leaf at path, or "".
func Str(tree map[string]any, path ...string) string {
	v, ok := Lookup(tree, path...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// Sub returns the subtree at path, or nil.
func Sub(tree map[string]any, path ...string) map[string]any {
	v, ok := Lookup(tree, path...)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}
