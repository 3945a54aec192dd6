package memo

import "sync"

// Key identifies one pending memo queue.
type Key struct {
	Channel   string
	Recipient string
}

// Memo is one stored message awaiting delivery.
type Memo struct {
	Sender string
	Text   string
}

// Store holds pending memos in memory, FIFO per key.
//
// A key exists only while it has at least one memo.
type Store struct {
	mu     sync.Mutex
	queues map[Key][]Memo
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{queues: make(map[Key][]Memo)}
}

// Enqueue appends memo to the queue for key.
func (s *Store) Enqueue(key Key, memo Memo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[key] = append(s.queues[key], memo)
}

// Drain removes and returns every memo queued for key in insertion order.
func (s *Store) Drain(key Key) []Memo {
	s.mu.Lock()
	defer s.mu.Unlock()

	memos, ok := s.queues[key]
	if !ok {
		return nil
	}
	delete(s.queues, key)

	return memos
}

// Pending returns a copy of the memos queued for key without removing them.
func (s *Store) Pending(key Key) []Memo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Memo(nil), s.queues[key]...)
}

// Len returns the number of keys with pending memos.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queues)
}
