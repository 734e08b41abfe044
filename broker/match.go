package broker

import "strings"

// Match reports whether subject satisfies pattern, where pattern segments
// are "."-delimited and may use "*" to match exactly one segment or ">"
// as the final segment to match one-or-more trailing segments.
func Match(pattern, subject string) bool {
	pSegs := strings.Split(pattern, ".")
	sSegs := strings.Split(subject, ".")

	for i, p := range pSegs {
		if p == ">" {
			return i < len(sSegs)
		}
		if i >= len(sSegs) {
			return false
		}
		if p == "*" {
			continue
		}
		if p != sSegs[i] {
			return false
		}
	}

	return len(pSegs) == len(sSegs)
}

// HasWildcard reports whether pattern contains a "*" or ">" segment.
func HasWildcard(pattern string) bool {
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "*" || seg == ">" {
			return true
		}
	}
	return false
}
