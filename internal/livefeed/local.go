package livefeed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const localBuffer = 64

// LocalFeed delivers messages inside one process. Slow subscribers miss
// messages rather than blocking publishers.
type LocalFeed struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[*localSub]struct{}
	closed bool
}

// NewLocalFeed creates a new LocalFeed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[uuid.UUID]map[*localSub]struct{})}
}

func (f *LocalFeed) Publish(_ context.Context, examID uuid.UUID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[examID] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (f *LocalFeed) Subscribe(ctx context.Context, examID uuid.UUID) (Subscription, error) {
	s := &localSub{feed: f, examID: examID, ch: make(chan []byte, localBuffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.ch)
		return s, nil
	}
	if f.subs[examID] == nil {
		f.subs[examID] = make(map[*localSub]struct{})
	}
	f.subs[examID][s] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s, nil
}

func (f *LocalFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, subs := range f.subs {
		for s := range subs {
			s.closeLocked()
		}
		delete(f.subs, id)
	}
	return nil
}

type localSub struct {
	feed   *LocalFeed
	examID uuid.UUID
	ch     chan []byte
	done   bool
}

func (s *localSub) C() <-chan []byte { return s.ch }

func (s *localSub) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked requires feed.mu.
func (s *localSub) closeLocked() {
	if s.done {
		return
	}
	s.done = true
	if subs := s.feed.subs[s.examID]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.feed.subs, s.examID)
		}
	}
	close(s.ch)
}
