package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus, suitable for single-node deployments and
// tests. Each subscriber gets its own buffered channel; a full channel
// drops the event rather than blocking the publisher.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]*memSub
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memSub)}
}

type memSub struct {
	ch     chan Event
	topic  string
	parent *Memory
	once   sync.Once
}

func (s *memSub) Events() <-chan Event { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		defer s.parent.mu.Unlock()
		subs := s.parent.subs[s.topic]
		for i, cand := range subs {
			if cand == s {
				s.parent.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

func (m *Memory) Broadcast(ctx context.Context, topic string, ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs[topic] {
		select {
		case s.ch <- ev:
		default:
			// slow subscriber: drop rather than stall the Run.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	s := &memSub{ch: make(chan Event, 64), topic: topic, parent: m}
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], s)
	m.mu.Unlock()
	return s, nil
}
