package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFeed fans changes out over Redis pub/sub, one channel per student.
//
// go-redis reconnects a PubSub lazily; here a dropped subscription is closed, and a fresh one is
// opened with capped exponential backoff, so the subscription owner never depends on ambient
// client behavior.
type RedisFeed struct {
	rdb *redis.Client
	log *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRedisFeed(rdb *redis.Client, log *slog.Logger) *RedisFeed {
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{rdb: rdb, log: log, minBackoff: 250 * time.Millisecond, maxBackoff: 5 * time.Second}
}

func (f *RedisFeed) Publish(ctx context.Context, c Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, StudentChannel(c.Record.StudentID), b).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, flt Filter) (*Subscription, error) {
	if err := flt.Validate(); err != nil {
		return nil, err
	}
	ps, err := f.open(ctx, flt.Channel())
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(flt, 16)
	holder := &pubsubHolder{ps: ps}
	sub.stop = func() {
		cancel()
		holder.close()
	}

	go f.run(runCtx, sub, holder)
	return sub, nil
}

func (f *RedisFeed) open(ctx context.Context, channel string) (*redis.PubSub, error) {
	ps := f.rdb.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation so the first publish after return is not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}

func (f *RedisFeed) run(ctx context.Context, sub *Subscription, holder *pubsubHolder) {
	channel := sub.filter.Channel()
	log := f.log.With("channel", channel)

	for {
		ps := holder.get()
		if ps == nil {
			return
		}
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("realtime subscription dropped", "err", err)
			_ = ps.Close()
			if !f.resubscribe(ctx, channel, holder, log) {
				return
			}
			continue
		}

		var c Change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			log.Warn("realtime payload decode failed", "err", err)
			continue
		}
		sub.deliver(c)
	}
}

func (f *RedisFeed) resubscribe(ctx context.Context, channel string, holder *pubsubHolder, log *slog.Logger) bool {
	backoff := f.minBackoff
	for attempt := 1; ; attempt++ {
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}

		ps, err := f.open(ctx, channel)
		if err == nil {
			if !holder.swap(ps) {
				_ = ps.Close()
				return false
			}
			log.Info("realtime resubscribed", "attempt", attempt)
			return true
		}
		log.Warn("realtime resubscribe failed", "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

type pubsubHolder struct {
	mu     sync.Mutex
	ps     *redis.PubSub
	closed bool
}

func (h *pubsubHolder) get() *redis.PubSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return h.ps
}

func (h *pubsubHolder) swap(ps *redis.PubSub) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.ps = ps
	return true
}

func (h *pubsubHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.ps != nil {
		_ = h.ps.Close()
	}
}
