// Package websocket carries sensor readings between an exam client and the
// server-side monitors over one WebSocket per session.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/monitor"
)

// ErrUnknownMessage is returned by Route for frames it cannot dispatch.
var ErrUnknownMessage = errors.New("unknown message type")

// callTimeout bounds a request whose context carries no deadline. Monitors
// run on detached contexts, so an unresponsive client would otherwise hold
// them forever.
const callTimeout = 10 * time.Second

// ClientFeed turns a client connection into monitor sensors. Server-side
// monitors issue Requests and wait for the matching reply; pushed samples
// are handed to Route.
type ClientFeed struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan ClientMessage

	done      chan struct{}
	closeOnce sync.Once
}

// NewClientFeed wraps an upgraded connection.
func NewClientFeed(conn *websocket.Conn, log zerolog.Logger) *ClientFeed {
	return &ClientFeed{
		conn:    conn,
		log:     log,
		pending: make(map[uint64]chan ClientMessage),
		done:    make(chan struct{}),
	}
}

// Sensors exposes the feed to the monitor supervisor.
func (f *ClientFeed) Sensors() monitor.Sensors {
	return monitor.Sensors{Devices: f, Prober: f, Browser: f}
}

// Send writes one frame.
func (f *ClientFeed) Send(v any) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return WriteTyped(f.conn, v)
}

// Done is closed once the read loop has stopped.
func (f *ClientFeed) Done() <-chan struct{} {
	return f.done
}

// Run reads frames until the connection fails or ctx is done. Replies are
// matched to pending requests; everything else goes to push.
func (f *ClientFeed) Run(ctx context.Context, push func(ClientMessage)) error {
	defer f.shutdown()

	stop := context.AfterFunc(ctx, func() {
		_ = f.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var msg ClientMessage
		if err := ReadJSON(f.conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.Type == TypeReply {
			f.deliver(msg)
			continue
		}
		push(msg)
	}
}

func (f *ClientFeed) deliver(msg ClientMessage) {
	f.mu.Lock()
	ch, ok := f.pending[msg.ID]
	delete(f.pending, msg.ID)
	f.mu.Unlock()
	if !ok {
		f.log.Debug().Uint64("id", msg.ID).Msg("Reply for unknown request")
		return
	}
	ch <- msg
}

func (f *ClientFeed) shutdown() {
	f.closeOnce.Do(func() { close(f.done) })
}

// Close sends a close frame and drops the connection, which ends Run.
func (f *ClientFeed) Close(code int, text string) error {
	f.writeMu.Lock()
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	f.writeMu.Unlock()
	return f.conn.Close()
}

// call sends op and waits for its reply.
func (f *ClientFeed) call(ctx context.Context, op Op) (ClientMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	select {
	case <-f.done:
		return ClientMessage{}, monitor.ErrOffline
	default:
	}

	ch := make(chan ClientMessage, 1)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.pending[id] = ch
	f.mu.Unlock()

	forget := func() {
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
	}

	if err := f.Send(Request{Type: TypeRequest, ID: id, Op: op}); err != nil {
		forget()
		return ClientMessage{}, fmt.Errorf("%w: %v", monitor.ErrOffline, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, fmt.Errorf("%s: %s", op, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return ClientMessage{}, ctx.Err()
	case <-f.done:
		forget()
		return ClientMessage{}, monitor.ErrOffline
	}
}

// ─── monitor.Devices ────────────────────────────────────────────────

// OpenCamera asks the client for camera access.
func (f *ClientFeed) OpenCamera(ctx context.Context) (monitor.Camera, error) {
	if _, err := f.call(ctx, OpOpenCamera); err != nil {
		return nil, err
	}
	return &remoteCamera{feed: f}, nil
}

// OpenMicrophone asks the client for microphone access.
func (f *ClientFeed) OpenMicrophone(ctx context.Context) (monitor.Microphone, error) {
	if _, err := f.call(ctx, OpOpenMicrophone); err != nil {
		return nil, err
	}
	return &remoteMicrophone{feed: f}, nil
}

// ─── monitor.Prober ─────────────────────────────────────────────────

// Probe measures one request round trip.
func (f *ClientFeed) Probe(ctx context.Context) (monitor.ProbeResult, error) {
	start := time.Now()
	reply, err := f.call(ctx, OpPing)
	if err != nil {
		return monitor.ProbeResult{}, err
	}
	return monitor.ProbeResult{Latency: time.Since(start), BandwidthMbps: reply.BandwidthMbps}, nil
}

// ─── monitor.BrowserInspector ───────────────────────────────────────

// Inspect asks the client for its browser state.
func (f *ClientFeed) Inspect(ctx context.Context) (monitor.BrowserReport, error) {
	reply, err := f.call(ctx, OpBrowserReport)
	if err != nil {
		return monitor.BrowserReport{}, err
	}
	report := monitor.BrowserReport{DevToolsOpen: reply.DevToolsOpen, Extensions: reply.Extensions}
	if reply.LastActivity != nil {
		report.LastActivity = *reply.LastActivity
	}
	return report, nil
}

// ─── remote devices ─────────────────────────────────────────────────

type remoteCamera struct {
	feed *ClientFeed
}

func (c *remoteCamera) FaceCount(ctx context.Context) (int, error) {
	reply, err := c.feed.call(ctx, OpFaceCount)
	if err != nil {
		return 0, err
	}
	if reply.Count == nil {
		return 0, errors.New("face_count: reply without count")
	}
	return *reply.Count, nil
}

func (c *remoteCamera) Snapshot(ctx context.Context) (string, error) {
	reply, err := c.feed.call(ctx, OpSnapshot)
	if err != nil {
		return "", err
	}
	return reply.SnapshotRef, nil
}

func (c *remoteCamera) Enabled(ctx context.Context) (bool, error) {
	return c.feed.enabled(ctx, OpCameraEnabled)
}

func (c *remoteCamera) Close() error {
	return c.feed.release(OpCloseCamera)
}

type remoteMicrophone struct {
	feed *ClientFeed
}

func (m *remoteMicrophone) Enabled(ctx context.Context) (bool, error) {
	return m.feed.enabled(ctx, OpMicEnabled)
}

func (m *remoteMicrophone) Close() error {
	return m.feed.release(OpCloseMicrophone)
}

func (f *ClientFeed) enabled(ctx context.Context, op Op) (bool, error) {
	reply, err := f.call(ctx, op)
	if err != nil {
		return false, err
	}
	return reply.Enabled != nil && *reply.Enabled, nil
}

// release tells the client a device is no longer needed. The reply is not
// awaited; a gone client has released everything anyway.
func (f *ClientFeed) release(op Op) error {
	select {
	case <-f.done:
		return nil
	default:
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return f.Send(Request{Type: TypeRequest, ID: id, Op: op})
}

// ─── pushes ─────────────────────────────────────────────────────────

// Route applies a pushed sample to the session's monitors.
func Route(ctx context.Context, sess *monitor.Session, msg ClientMessage) error {
	switch msg.Type {
	case TypeFaceCount:
		if msg.Count == nil || *msg.Count < 0 {
			return errors.New("face_count: count must be a non-negative integer")
		}
		sess.Face.Record(ctx, *msg.Count)
	case TypeAudioLevel:
		if msg.Level < 0 || msg.Level > 1 {
			return errors.New("audio_level: level must be within [0, 1]")
		}
		sess.Audio.Observe(msg.Level)
	case TypeVisibility:
		if msg.Hidden {
			sess.Visibility.Hidden()
		} else {
			sess.Visibility.Visible()
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return nil
}
