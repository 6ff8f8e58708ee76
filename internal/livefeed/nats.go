package livefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// NATSFeed fans out over core NATS subjects. Live updates are ephemeral,
// so JetStream persistence is not used.
type NATSFeed struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewNATSFeed connects to url.
func NewNATSFeed(url string, log zerolog.Logger) (*NATSFeed, error) {
	log = log.With().Str("component", "livefeed_nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("exstem-proctor"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	log.Info().Str("url", url).Msg("Connected to NATS")
	return &NATSFeed{nc: nc, log: log}, nil
}

func (f *NATSFeed) Publish(_ context.Context, examID uuid.UUID, payload []byte) error {
	subject := config.CacheKey.ExamMonitorSubject(examID.String())
	if err := f.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (f *NATSFeed) Subscribe(ctx context.Context, examID uuid.UUID) (Subscription, error) {
	in := make(chan *nats.Msg, localBuffer)
	sub, err := f.nc.ChanSubscribe(config.CacheKey.ExamMonitorSubject(examID.String()), in)
	if err != nil {
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	s := &natsSub{sub: sub, in: in, ch: make(chan []byte, localBuffer), stop: make(chan struct{})}
	go s.forward(ctx)
	return s, nil
}

// Close drains pending publishes and closes the connection.
func (f *NATSFeed) Close() error {
	return f.nc.Drain()
}

type natsSub struct {
	sub  *nats.Subscription
	in   chan *nats.Msg
	ch   chan []byte
	stop chan struct{}
	once sync.Once
}

func (s *natsSub) forward(ctx context.Context) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.stop:
			return
		case msg := <-s.in:
			select {
			case s.ch <- msg.Data:
			default:
			}
		}
	}
}

func (s *natsSub) C() <-chan []byte { return s.ch }

func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.sub.Unsubscribe()
	})
	return err
}
