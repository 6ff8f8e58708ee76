package livefeed

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// RedisFeed fans out over Redis Pub/Sub on the exam monitor channel.
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a new RedisFeed. The client is owned by the caller.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func (f *RedisFeed) Publish(ctx context.Context, examID uuid.UUID, payload []byte) error {
	return f.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, examID uuid.UUID) (Subscription, error) {
	pubsub := f.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	s := &redisSub{pubsub: pubsub, ch: make(chan []byte, localBuffer), stop: make(chan struct{})}
	go s.forward(ctx)
	return s, nil
}

// Close is a no-op; the Redis client is closed by its owner.
func (f *RedisFeed) Close() error { return nil }

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
	stop   chan struct{}
	once   sync.Once
}

func (s *redisSub) forward(ctx context.Context) {
	defer close(s.ch)
	in := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.stop:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			default:
			}
		}
	}
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.pubsub.Close()
	})
	return err
}
