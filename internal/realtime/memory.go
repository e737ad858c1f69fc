package realtime

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Feed and Publisher for tests and single-node local runs.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[*Subscription]struct{}{}}
}

func (b *MemoryBus) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	sub := newSubscription(f, 16)
	ch := f.Channel()

	b.mu.Lock()
	if b.subs[ch] == nil {
		b.subs[ch] = map[*Subscription]struct{}{}
	}
	b.subs[ch][sub] = struct{}{}
	b.mu.Unlock()

	sub.stop = func() {
		b.mu.Lock()
		delete(b.subs[ch], sub)
		if len(b.subs[ch]) == 0 {
			delete(b.subs, ch)
		}
		b.mu.Unlock()
	}
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, c Change) error {
	ch := StudentChannel(c.Record.StudentID)

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[ch]))
	for s := range b.subs[ch] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(c)
	}
	return nil
}

// Subscribers reports open subscriptions for one student.
func (b *MemoryBus) Subscribers(studentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[StudentChannel(studentID)])
}
