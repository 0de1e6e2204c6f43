package transport

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// frame wraps a payload with an id so redelivered messages can be dropped.
type frame struct {
	ID   string `json:"i"`
	Data []byte `json:"d"`
}

func encodeFrame(data []byte) ([]byte, string, error) {
	id := uuid.NewString()
	b, err := json.Marshal(frame{ID: id, Data: data})
	return b, id, err
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	err := json.Unmarshal(b, &f)
	return f, err
}

const seenCapacity = 1024

// seen remembers the most recent message ids.
type seen struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeen() *seen {
	return &seen{ids: make(map[string]struct{}, seenCapacity), ring: make([]string, seenCapacity)}
}

// first records id and reports whether it had not been seen before.
func (s *seen) first(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}
