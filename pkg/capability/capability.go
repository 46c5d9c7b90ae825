package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Capability is a named permission a plugin may request and be granted
type Capability string

const (
	NoteRead        Capability = "NOTE_READ"
	NoteWrite       Capability = "NOTE_WRITE"
	UserRead        Capability = "USER_READ"
	UserWrite       Capability = "USER_WRITE"
	AttachmentRead  Capability = "ATTACHMENT_READ"
	NetworkOutbound Capability = "NETWORK_OUTBOUND"
	Render          Capability = "RENDER"
)

// all is the closed set of capabilities, in bit order
var all = []Capability{
	NoteRead,
	NoteWrite,
	UserRead,
	UserWrite,
	AttachmentRead,
	NetworkOutbound,
	Render,
}

var bits = func() map[Capability]Set {
	m := make(map[Capability]Set, len(all))
	for i, c := range all {
		m[c] = Set(1) << uint(i)
	}
	return m
}()

// every holds all known capabilities
var every = NewSet(all...)

// All returns every known capability
func All() []Capability {
	out := make([]Capability, len(all))
	copy(out, all)
	return out
}

// Known reports whether c belongs to the closed capability set
func (c Capability) Known() bool {
	_, ok := bits[c]
	return ok
}

func (c Capability) String() string {
	return string(c)
}

// Parse converts a name into a Capability. Matching is case-insensitive and
// tolerates surrounding whitespace; unknown names are an error.
func Parse(name string) (Capability, error) {
	c := Capability(strings.ToUpper(strings.TrimSpace(name)))
	if !c.Known() {
		return "", fmt.Errorf("unknown capability %q", name)
	}
	return c, nil
}

// Set is an immutable set of capabilities
type Set uint32

// Empty is the set holding no capabilities
const Empty Set = 0

// NewSet builds a set from known capabilities. Unknown values are ignored;
// use ParseSet when the input is untrusted.
func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s |= bits[c]
	}
	return s
}

// ParseSet parses capability names and fails on the first unknown one
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		c, err := Parse(n)
		if err != nil {
			return Empty, err
		}
		s |= bits[c]
	}
	return s, nil
}

// Has reports whether c is in the set
func (s Set) Has(c Capability) bool {
	b, ok := bits[c]
	return ok && s&b != 0
}

// With returns a copy of s with caps added
func (s Set) With(caps ...Capability) Set {
	return s | NewSet(caps...)
}

// Union returns the union of s and o
func (s Set) Union(o Set) Set {
	return s | o
}

// Intersect returns the capabilities in both s and o
func (s Set) Intersect(o Set) Set {
	return s & o
}

// Minus returns s without the capabilities in o
func (s Set) Minus(o Set) Set {
	return s &^ o
}

// Valid reports whether s holds only known capabilities. A Set converted
// from an arbitrary integer may carry bits no capability maps to.
func (s Set) Valid() bool {
	return s.SubsetOf(every)
}

// SubsetOf reports whether every member of s is in o
func (s Set) SubsetOf(o Set) bool {
	return s&^o == 0
}

// IsEmpty reports whether s holds no capabilities
func (s Set) IsEmpty() bool {
	return s == Empty
}

// Len counts capabilities in the set
func (s Set) Len() int {
	n := 0
	for _, c := range all {
		if s.Has(c) {
			n++
		}
	}
	return n
}

// List returns the members of s sorted by name
func (s Set) List() []Capability {
	out := make([]Capability, 0, len(all))
	for _, c := range all {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the member names sorted
func (s Set) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = string(c)
	}
	return out
}

func (s Set) String() string {
	return "[" + strings.Join(s.Strings(), ",") + "]"
}

// MarshalJSON encodes the set as a sorted list of names
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a list of names, rejecting unknown capabilities
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the set as a list of names
func (s Set) MarshalYAML() (interface{}, error) {
	return s.Strings(), nil
}

// UnmarshalYAML decodes a list of names, rejecting unknown capabilities
func (s *Set) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}
	parsed, err := ParseSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
