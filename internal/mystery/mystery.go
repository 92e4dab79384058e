// Package mystery holds the fixed catalog of rosary mysteries that are
// rotated between members of a prayer group.
package mystery

import (
	"fmt"
	"strings"
)

// Set is one of the four thematic parts of the rosary.
type Set int

const (
	Joyful Set = iota + 1
	Light
	Sorrowful
	Glorious
)

var setNames = map[Set]string{
	Joyful:    "joyful",
	Light:     "light",
	Sorrowful: "sorrowful",
	Glorious:  "glorious",
}

func (s Set) String() string {
	if name, ok := setNames[s]; ok {
		return name
	}
	return fmt.Sprintf("set(%d)", int(s))
}

// MarshalText encodes the set by name.
func (s Set) MarshalText() ([]byte, error) {
	if _, ok := setNames[s]; !ok {
		return nil, fmt.Errorf("unknown mystery set %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *Set) UnmarshalText(b []byte) error {
	v, err := ParseSet(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSet converts a set name (case-insensitive) into a Set. "luminous" is
// accepted as an alias of Light.
func ParseSet(name string) (Set, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "luminous" {
		return Light, nil
	}
	for s, n := range setNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown mystery set %q", name)
}

// Mystery is a single devotional topic.
type Mystery struct {
	ID            string `json:"id"`
	Set           Set    `json:"set"`
	Name          string `json:"name"`
	Contemplation string `json:"contemplation"`
	ImageRef      string `json:"image_ref,omitempty"`
}
