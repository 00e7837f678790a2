package window

// Store holds window entries in insertion order. Implementations need not be
// safe for concurrent use; Tracker serializes every call.
type Store interface {
	Append(e Entry)
	Front() (Entry, bool)
	PopFront()
	Len() int
	// Tail returns up to n most recent entries, oldest first.
	Tail(n int) []Entry
	Clear()
}

// MemoryStore is a slice-backed queue. Popped slots are reclaimed once they
// make up half of the backing array.
type MemoryStore struct {
	entries []Entry
	head    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(e Entry) {
	s.entries = append(s.entries, e)
}

func (s *MemoryStore) Front() (Entry, bool) {
	if s.head >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[s.head], true
}

func (s *MemoryStore) PopFront() {
	if s.head >= len(s.entries) {
		return
	}
	s.entries[s.head] = Entry{}
	s.head++
	if s.head == len(s.entries) {
		s.entries = s.entries[:0]
		s.head = 0
		return
	}
	if s.head*2 >= len(s.entries) {
		n := copy(s.entries, s.entries[s.head:])
		s.entries = s.entries[:n]
		s.head = 0
	}
}

func (s *MemoryStore) Len() int {
	return len(s.entries) - s.head
}

func (s *MemoryStore) Tail(n int) []Entry {
	if n <= 0 {
		return nil
	}
	live := s.entries[s.head:]
	if n > len(live) {
		n = len(live)
	}
	out := make([]Entry, n)
	copy(out, live[len(live)-n:])
	return out
}

func (s *MemoryStore) Clear() {
	s.entries = nil
	s.head = 0
}
