package diagnosis

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ConstraintList is an ordered set of allowed disease names. The zero value
// means unconstrained.
type ConstraintList struct {
	names []string
	index map[string]struct{}
}

var quotedItemRe = regexp.MustCompile(`'([^']*)'|"([^"]*)"`)

// NewConstraintList drops blanks and duplicates, keeping first-seen order.
func NewConstraintList(names ...string) ConstraintList {
	cl := ConstraintList{index: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := cl.index[n]; ok {
			continue
		}
		cl.index[n] = struct{}{}
		cl.names = append(cl.names, n)
	}
	return cl
}

// LoadConstraintList reads a constraint file.
func LoadConstraintList(path string) (ConstraintList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConstraintList{}, fmt.Errorf("read constraint list: %w", err)
	}
	return ParseConstraintList(string(data))
}

// ParseConstraintList accepts a JSON array, a bracketed list of quoted
// names, or one name per line.
func ParseConstraintList(content string) (ConstraintList, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "[") {
		var names []string
		if err := json.Unmarshal([]byte(trimmed), &names); err == nil {
			return NewConstraintList(names...), nil
		}
		matches := quotedItemRe.FindAllStringSubmatch(trimmed, -1)
		if len(matches) == 0 {
			return ConstraintList{}, fmt.Errorf("parse constraint list: no quoted names in list literal")
		}
		names = make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m[1]+m[2])
		}
		return NewConstraintList(names...), nil
	}
	return NewConstraintList(strings.Split(strings.ReplaceAll(trimmed, "\r\n", "\n"), "\n")...), nil
}

// Len returns the number of names.
func (c ConstraintList) Len() int { return len(c.names) }

// IsEmpty reports whether the list is unconstrained.
func (c ConstraintList) IsEmpty() bool { return len(c.names) == 0 }

// Contains reports exact membership.
func (c ConstraintList) Contains(name string) bool {
	_, ok := c.index[strings.TrimSpace(name)]
	return ok
}

// Names returns a copy of the names in order.
func (c ConstraintList) Names() []string {
	return append([]string(nil), c.names...)
}

// String joins names for prompts.
func (c ConstraintList) String() string {
	return strings.Join(c.names, ", ")
}

// Violations returns the names outside the list, in input order. An empty
// list reports none.
func (c ConstraintList) Violations(names []string) []string {
	if c.IsEmpty() {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || c.Contains(n) {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
