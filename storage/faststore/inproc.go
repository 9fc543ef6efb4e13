package faststore

import (
	"context"
	"sync"
	"time"
)

// InProcess is a single-instance Store backed by an in-memory map, used when
// no Redis is configured. It is safe for concurrent use and runs its own
// sweep goroutine to evict expired entries, following the same
// mutex-guarded-map shape as storage/memory.
type InProcess struct {
	mu   sync.Mutex
	vals map[string]entry
	subs map[string][]*inprocSub

	now    func() time.Time
	stopCh chan struct{}
}

type entry struct {
	data    []byte
	expires time.Time // zero means no expiry
}

// NewInProcess starts an InProcess store with a background sweep running
// every interval. Call Close to stop the sweep.
func NewInProcess(interval time.Duration) *InProcess {
	s := &InProcess{
		vals:   make(map[string]entry),
		subs:   make(map[string][]*inprocSub),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go s.sweepLoop(interval)
	return s
}

func (s *InProcess) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *InProcess) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.vals {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.vals, k)
		}
	}
}

func (s *InProcess) Close() error {
	close(s.stopCh)
	return nil
}

func (s *InProcess) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *InProcess) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.vals[key] = entry{data: b, expires: s.expiryFor(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *InProcess) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	b, err := encode(value)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.vals[key]; ok && !s.expired(e) {
		return false, nil
	}
	s.vals[key] = entry{data: b, expires: s.expiryFor(ttl)}
	return true, nil
}

func (s *InProcess) expired(e entry) bool {
	return !e.expires.IsZero() && s.now().After(e.expires)
}

func (s *InProcess) Get(ctx context.Context, key string, dest any) error {
	s.mu.Lock()
	e, ok := s.vals[key]
	if ok && s.expired(e) {
		delete(s.vals, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return decode(e.data, dest)
}

func (s *InProcess) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.vals, key)
	s.mu.Unlock()
	return nil
}

func (s *InProcess) GetDelete(ctx context.Context, key string, dest any) error {
	s.mu.Lock()
	e, ok := s.vals[key]
	if ok {
		delete(s.vals, key)
	}
	s.mu.Unlock()
	if !ok || s.expired(e) {
		return ErrNotFound
	}
	return decode(e.data, dest)
}

type inprocSub struct {
	ch     chan []byte
	closed chan struct{}
}

func (s *inprocSub) Chan() <-chan []byte { return s.ch }

func (s *inprocSub) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (s *InProcess) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	subs := append([]*inprocSub(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		case <-sub.closed:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (s *InProcess) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &inprocSub{ch: make(chan []byte, 16), closed: make(chan struct{})}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()

	go func() {
		select {
		case <-sub.closed:
		case <-ctx.Done():
			sub.Close()
		}
		s.mu.Lock()
		peers := s.subs[channel]
		for i, p := range peers {
			if p == sub {
				s.subs[channel] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	return sub, nil
}
