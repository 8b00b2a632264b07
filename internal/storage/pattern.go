package storage

import "strings"

// matchWildcard reports whether value matches pattern, where '*' matches any
// run of characters (including none). Matching is case-insensitive, in line
// with case-insensitive name uniqueness. An empty pattern matches everything.
func matchWildcard(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	p := strings.ToLower(pattern)
	v := strings.ToLower(value)
	segments := strings.Split(p, "*")
	if len(segments) == 1 {
		return v == p
	}
	if !strings.HasPrefix(v, segments[0]) {
		return false
	}
	v = v[len(segments[0]):]
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(v, seg)
		if idx < 0 {
			return false
		}
		v = v[idx+len(seg):]
	}
	return strings.HasSuffix(v, segments[len(segments)-1])
}

// wildcardToLike translates a '*' pattern into a SQL LIKE pattern, escaping
// the LIKE metacharacters so only '*' acts as a wildcard.
func wildcardToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
