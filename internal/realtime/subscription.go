package realtime

import "sync"

// Subscription is an explicit handle on one scoped feed. The owner must Close it.
type Subscription struct {
	filter Filter
	c      chan Change

	once sync.Once
	done chan struct{}
	stop func()
}

func newSubscription(f Filter, buffer int) *Subscription {
	return &Subscription{
		filter: f,
		c:      make(chan Change, buffer),
		done:   make(chan struct{}),
	}
}

// C delivers changes in publish order. It is never closed; select on Done as well.
func (s *Subscription) C() <-chan Change { return s.c }

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Filter() Filter { return s.filter }

func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}

func (s *Subscription) deliver(c Change) bool {
	if !s.filter.Matches(c) {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.c <- c:
		return true
	case <-s.done:
		return false
	}
}
