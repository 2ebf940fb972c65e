// Package chatlog holds the ordered transcript of a room session.
package chatlog

// Entry is one chat message. Field names follow the coordination service's
// wire format.
type Entry struct {
	ID     string `json:"id,omitempty"`
	Author string `json:"username"`
	Body   string `json:"message"`
	SentAt string `json:"timestamp"`
}

// Log is an append-only transcript seeded once from room history.
// It is not safe for concurrent use; the owning session serializes access.
type Log struct {
	entries []Entry
}

func New() *Log {
	return &Log{entries: make([]Entry, 0, 64)}
}

// ReplaceAll overwrites the transcript with entries.
func (l *Log) ReplaceAll(entries []Entry) {
	l.entries = append(make([]Entry, 0, len(entries)+16), entries...)
}

// Append adds e to the end of the transcript. Identical entries are kept.
func (l *Log) Append(e Entry) {
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the transcript in insertion order.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	return len(l.entries)
}
