package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// CategorySet is the normalized form of a vehicle's capability list. Upstream
// systems store the category field inconsistently (a bare scalar, a JSON
// array, or a JSON-encoded string of either), so all decoding happens here
// and the rest of the core only ever sees a set.
type CategorySet map[string]struct{}

func NewCategorySet(ids ...string) CategorySet {
	s := make(CategorySet, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// ParseCategorySet accepts "cat-1", `["cat-1","cat-2"]` or `"cat-1"` and
// returns the normalized set. Unparseable input yields an empty set, which
// matching treats as "ineligible".
func ParseCategorySet(raw string) CategorySet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CategorySet{}
	}
	switch raw[0] {
	case '[':
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return CategorySet{}
		}
		return NewCategorySet(ids...)
	case '"':
		var id string
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			return CategorySet{}
		}
		return ParseCategorySet(id)
	default:
		return NewCategorySet(raw)
	}
}

func (s CategorySet) Empty() bool { return len(s) == 0 }

func (s CategorySet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in stable order, for storage and wire encoding.
func (s CategorySet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s CategorySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s *CategorySet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		// tolerate the scalar form on the wire too
		var id string
		if err2 := json.Unmarshal(b, &id); err2 != nil {
			return err
		}
		*s = ParseCategorySet(id)
		return nil
	}
	*s = NewCategorySet(ids...)
	return nil
}
