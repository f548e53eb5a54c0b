package resolver

import "strings"

// interpolate walks value recursively, substituting "{name}" placeholders in
// every string leaf against vars. A missing name resolves to the empty
// string (a defaulted-on-absent lookup), and "{{"/"}}" escape to literal
// braces, matching Python str.format semantics. Non-string leaves pass
// through unchanged.
func interpolate(value any, vars map[string]string) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = interpolate(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = interpolate(val, vars)
		}
		return out
	case string:
		return substitute(v, vars)
	default:
		return v
	}
}

func substitute(s string, vars map[string]string) string {
	if !strings.ContainsAny(s, "{}") {
		return s
	}
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				b.WriteString(s[i:])
				i = len(s)
				continue
			}
			name := s[i+1 : i+end]
			b.WriteString(vars[name])
			i += end + 1
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			b.WriteByte('}')
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
