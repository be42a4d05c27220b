// ABOUTME: Access control lists attached to individual entity rows.
// ABOUTME: At most one entry per principal is meaningful; upserts are last-write-wins.

package access

// Entry grants a single principal a level on one entity row.
type Entry struct {
	PrincipalID string `json:"principalId"`
	Level       Level  `json:"level"`
}

// List is the ordered set of entry-level grants stored on an entity row.
// Absence of an entry means no entry-level grant; a service-level grant may
// still apply.
type List []Entry

// Grant returns the level granted to the principal, or Public if the list
// holds no entry for it. When duplicates exist the last entry wins.
func (l List) Grant(principalID string) Level {
	level := Public
	for _, e := range l {
		if e.PrincipalID == principalID {
			level = e.Level
		}
	}
	return level
}

// Upsert returns a list with the principal's grant set to level, replacing
// any existing entry for that principal.
func (l List) Upsert(principalID string, level Level) List {
	for i, e := range l {
		if e.PrincipalID == principalID {
			out := make(List, len(l))
			copy(out, l)
			out[i].Level = level
			return out
		}
	}
	out := make(List, len(l), len(l)+1)
	copy(out, l)
	return append(out, Entry{PrincipalID: principalID, Level: level})
}

// Remove returns a list without any entry for the principal.
func (l List) Remove(principalID string) List {
	out := make(List, 0, len(l))
	for _, e := range l {
		if e.PrincipalID != principalID {
			out = append(out, e)
		}
	}
	return out
}
