package glob

import (
	"strings"

	gobwas "github.com/gobwas/glob"
)

// Match reports whether the concrete path is covered by the reservation
// pattern, using the same "**" semantics as PatternsOverlap.
func Match(pattern, path string) (bool, error) {
	matchers, err := compile(Normalize(pattern))
	if err != nil {
		return false, err
	}
	target := Normalize(path)
	for _, m := range matchers {
		if m.Match(target) {
			return true, nil
		}
	}
	return false, nil
}

// compile builds one matcher per way of letting each "**" segment match zero
// segments. gobwas's super-asterisk alone always consumes the separators
// around it, so "src/**/x.go" would otherwise miss "src/x.go".
func compile(pattern string) ([]gobwas.Glob, error) {
	variants := expandDoubleStar(pattern)
	out := make([]gobwas.Glob, 0, len(variants))
	for _, v := range variants {
		g, err := gobwas.Compile(v, '/')
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func expandDoubleStar(pattern string) []string {
	variants := [][]string{{}}
	for _, seg := range strings.Split(pattern, "/") {
		next := make([][]string, 0, len(variants)*2)
		for _, v := range variants {
			next = append(next, append(append([]string(nil), v...), seg))
			if seg == "**" {
				next = append(next, append([]string(nil), v...))
			}
		}
		variants = next
	}
	seen := make(map[string]struct{}, len(variants))
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		joined := strings.Join(v, "/")
		if _, ok := seen[joined]; ok {
			continue
		}
		seen[joined] = struct{}{}
		out = append(out, joined)
	}
	return out
}
