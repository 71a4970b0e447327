// Package telephony speaks the Twilio side of a call: the Media Stream
// websocket, TwiML documents and REST call control.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// ErrBridgeClosed is returned when writing to a closed bridge.
var ErrBridgeClosed = errors.New("telephony: bridge closed")

// Conn is the subset of *websocket.Conn used by the bridge.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler receives stream lifecycle events in arrival order.
type Handler interface {
	// OnStart is called once with the stream metadata. An error ends Run.
	OnStart(ctx context.Context, info StartInfo) error
	OnMedia(payload string)
	OnMark(name string)
	OnStop()
}

// Bridge is one carrier Media Stream connection.
type Bridge struct {
	conn    Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	streamSID string
	callSID   string
	dropped   int
	closed    bool
	closeOnce sync.Once
}

// NewBridge wraps an upgraded websocket connection.
func NewBridge(conn Conn) *Bridge {
	return &Bridge{conn: conn}
}

// StreamSID returns the stream id, empty until the start event arrived.
func (b *Bridge) StreamSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamSID
}

// CallSID returns the call id, empty until the start event arrived.
func (b *Bridge) CallSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callSID
}

// Dropped returns how many outbound audio chunks were discarded before the stream started.
func (b *Bridge) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run reads frames until stop, close, read error or ctx cancellation.
// It returns nil when the stream ended normally.
func (b *Bridge) Run(ctx context.Context, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read media stream frame: %w", err)
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			slog.Warn("Bridge.Run: skipping frame", "error", err)
			continue
		}

		done, err := b.dispatch(ctx, frame, h)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, f Frame, h Handler) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bridge.dispatch: recovered from panic", "event", f.Event, "panic", r)
		}
	}()

	switch f.Event {
	case EventConnected:
		slog.Debug("Bridge.dispatch: connected", "protocol", f.Protocol)
	case EventStart:
		info := f.startInfo()
		b.mu.Lock()
		b.streamSID = info.StreamSID
		b.callSID = info.CallSID
		b.mu.Unlock()
		slog.Info("Bridge.dispatch: stream started", "streamSid", info.StreamSID, "callSid", info.CallSID)
		if err := h.OnStart(ctx, info); err != nil {
			return true, fmt.Errorf("start stream %s: %w", info.StreamSID, err)
		}
	case EventMedia:
		if f.Media != nil && f.Media.Payload != "" {
			h.OnMedia(f.Media.Payload)
		}
	case EventMark:
		if f.Mark != nil {
			h.OnMark(f.Mark.Name)
		}
	case EventDTMF:
		// keypad input is not part of the intake
	case EventStop:
		slog.Info("Bridge.dispatch: stream stopped", "streamSid", b.StreamSID())
		h.OnStop()
		return true, nil
	default:
		slog.Debug("Bridge.dispatch: ignored event", "event", f.Event)
	}
	return false, nil
}

// SendAudio relays a base64 mu-law chunk to the caller. Audio produced before
// the stream started has nowhere to go and is dropped.
func (b *Bridge) SendAudio(payload string) error {
	sid, ok := b.sidOrDrop()
	if !ok {
		return nil
	}
	return b.write(MediaFrame(sid, payload))
}

// Clear discards audio already buffered toward the caller.
func (b *Bridge) Clear() error {
	sid := b.StreamSID()
	if sid == "" {
		return nil
	}
	return b.write(ClearFrame(sid))
}

// Mark queues a named playback checkpoint.
func (b *Bridge) Mark(name string) error {
	sid := b.StreamSID()
	if sid == "" {
		return nil
	}
	return b.write(MarkFrame(sid, name))
}

// Close closes the connection. Safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		err = b.conn.Close()
	})
	return err
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) sidOrDrop() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamSID == "" {
		b.dropped++
		return "", false
	}
	return b.streamSID, true
}

func (b *Bridge) write(f Frame) error {
	if b.isClosed() {
		return ErrBridgeClosed
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode media stream frame: %w", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}
