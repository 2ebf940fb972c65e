// Package presence tracks who the coordination service reports as connected
// to a room. The roster is replaced wholesale on every update; nothing is
// merged or diffed locally.
package presence

// Set is the current roster in server order.
// It is not safe for concurrent use; the owning session serializes access.
type Set struct {
	names []string
}

func New() *Set {
	return &Set{}
}

// ReplaceAll makes names the roster verbatim.
func (s *Set) ReplaceAll(names []string) {
	s.names = append([]string(nil), names...)
}

// Names returns a copy of the roster.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Set) Len() int {
	return len(s.names)
}

func (s *Set) Contains(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}
