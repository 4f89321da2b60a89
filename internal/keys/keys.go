// Package keys decides which client API keys the proxy accepts.
package keys

import (
	"bufio"
	"io"
	"strings"
)

// Validator reports whether a client key is allowed.
type Validator interface {
	IsValid(key string) bool
}

// Static is a fixed key set.
type Static struct {
	keys map[string]struct{}
}

// NewStatic builds a set from keys, ignoring blanks.
func NewStatic(keys []string) *Static {
	s := &Static{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys[k] = struct{}{}
		}
	}
	return s
}

func (s *Static) IsValid(key string) bool {
	if key == "" {
		return false
	}
	_, ok := s.keys[key]
	return ok
}

func (s *Static) Len() int {
	return len(s.keys)
}

// Any accepts a key if any of its validators does.
type Any []Validator

func (a Any) IsValid(key string) bool {
	for _, v := range a {
		if v.IsValid(key) {
			return true
		}
	}
	return false
}

// ParseList reads one key per line. Blank lines and lines starting with #
// are skipped; a line may also hold several comma separated keys.
func ParseList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, k := range strings.Split(line, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out, sc.Err()
}
