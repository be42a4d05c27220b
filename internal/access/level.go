// ABOUTME: Ordered access levels used for both service-level and entry-level grants.
// ABOUTME: Pure data and comparison logic, no I/O.

package access

import (
	"encoding/json"
	"fmt"
)

// Level is an ordered permission rank. Higher levels include everything the
// lower ones allow.
type Level int

const (
	Public Level = iota
	Read
	Moderate
	Admin
)

var levelNames = map[Level]string{
	Public:   "public",
	Read:     "read",
	Moderate: "moderate",
	Admin:    "admin",
}

// Sufficient reports whether this level satisfies the required level.
// Sufficiency is by rank: have >= need.
func (l Level) Sufficient(need Level) bool {
	return l >= need
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel converts a wire/config string into a Level.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return Public, fmt.Errorf("unknown access level %q", s)
}

// MarshalJSON encodes the level as its lowercase name so ACLs stored inside
// entity documents and wire payloads stay readable.
func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid access level %d", int(l))
	}
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
