package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vocaline/transcribe-relay/internal/logger"
)

var (
	// ErrClosed is returned when attempting to write to a closed client.
	ErrClosed = errors.New("stt client closed")
)

// Options configures the upstream provider endpoint and audio format.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	SampleRate  int
	NumChannels int
	AudioFormat string
}

// StreamParams are the per-session parameters for one streaming connection.
type StreamParams struct {
	ConversationID     string
	TargetLanguage     string
	SourceLanguageHint string
}

// Client owns exactly one streaming duplex connection to the speech
// provider. One session owns one client.
//
// Dial returns immediately; the connection is established in the
// background and the first SendAudio waits for it, so audio arriving
// before the handshake completes is never lost to a nil connection.
// All writes after that are serialized behind a mutex (the transport
// allows a single concurrent writer).
type Client struct {
	opts   Options
	params StreamParams

	// ready is closed once the connection is open and the configuration
	// frame has been written (or dialing failed, see dialErr).
	ready   chan struct{}
	dialErr error

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	events chan Message

	errMu sync.RWMutex
	err   error

	closeOnce sync.Once
	closed    chan struct{}

	logger *logger.Logger
}

// Dial starts connecting to the upstream provider and returns immediately.
// The returned client behaves as a future of the open connection.
func Dial(ctx context.Context, opts Options, params StreamParams, log *logger.Logger) *Client {
	c := &Client{
		opts:   opts,
		params: params,
		ready:  make(chan struct{}),
		events: make(chan Message, 64),
		closed: make(chan struct{}),
		logger: log.WithComponent("stt-client"),
	}

	go c.connect(ctx)

	return c
}

func (c *Client) connect(ctx context.Context) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		c.failDial(fmt.Errorf("invalid upstream URL: %w", err))
		return
	}
	q := u.Query()
	q.Set("conversation_id", c.params.ConversationID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.failDial(fmt.Errorf("failed to dial upstream: %w", err))
		return
	}

	select {
	case <-c.closed:
		// Closed while dialing.
		conn.Close()
		c.failDial(ErrClosed)
		return
	default:
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	hints := []string{}
	if c.params.SourceLanguageHint != "" {
		hints = []string{c.params.SourceLanguageHint}
	}

	cfg := SessionConfig{
		APIKey:                       c.opts.APIKey,
		Model:                        c.opts.Model,
		EnableLanguageIdentification: true,
		EnableSpeakerDiarization:     true,
		EnableEndpointDetection:      true,
		AudioFormat:                  c.opts.AudioFormat,
		SampleRate:                   c.opts.SampleRate,
		NumChannels:                  c.opts.NumChannels,
		Translation: Translation{
			Type:           "one_way",
			TargetLanguage: c.params.TargetLanguage,
		},
		LanguageHints: hints,
	}

	c.writeMu.Lock()
	err = conn.WriteJSON(cfg)
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		c.failDial(fmt.Errorf("failed to send session config: %w", err))
		return
	}

	c.logger.Info("upstream session opened",
		slog.String("conversation_id", c.params.ConversationID),
		slog.String("model", c.opts.Model),
		slog.String("target_language", c.params.TargetLanguage))

	// The connection is usable from here on.
	close(c.ready)

	c.readLoop(conn)
}

// failDial records a dial failure and resolves the future so waiters wake up.
func (c *Client) failDial(err error) {
	c.dialErr = err
	c.setErr(err)
	close(c.ready)
	close(c.events)
}

// readLoop decodes inbound JSON frames into Messages until the transport
// errors or the client is closed. The events channel is closed on exit;
// the terminal error (if any) is available via Err.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.events)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Expected close, not an error.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Error("upstream read failed",
						slog.String("conversation_id", c.params.ConversationID),
						slog.String("error", err.Error()))
				}
				c.setErr(fmt.Errorf("upstream stream error: %w", err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("discarding malformed upstream frame",
				slog.String("conversation_id", c.params.ConversationID),
				slog.Int("frame_size", len(data)),
				slog.String("error", err.Error()))
			continue
		}

		if msg.ErrorCode != "" {
			c.logger.Error("upstream reported error",
				slog.String("conversation_id", c.params.ConversationID),
				slog.String("error_code", msg.ErrorCode),
				slog.String("error_message", msg.ErrorMessage))
		}

		select {
		case c.events <- msg:
		case <-c.closed:
			return
		}
	}
}

// SendAudio forwards one raw binary audio frame. The first call waits for
// the connection future to resolve; later calls go straight to the
// serialized write path. Frames sent after close are dropped with a warning.
func (c *Client) SendAudio(ctx context.Context, frame []byte) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.dialErr != nil {
		return c.dialErr
	}

	select {
	case <-c.closed:
		c.logger.Warn("dropping audio frame, connection closed",
			slog.String("conversation_id", c.params.ConversationID),
			slog.Int("frame_size", len(frame)))
		return nil
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.logger.Warn("dropping audio frame, connection not open",
			slog.String("conversation_id", c.params.ConversationID),
			slog.Int("frame_size", len(frame)))
		return nil
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

// Events returns the inbound message channel. It is closed when the
// transport terminates; check Err afterwards for the terminal error.
func (c *Client) Events() <-chan Message {
	return c.events
}

// Err returns the terminal transport error, if any.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Close gracefully closes the upstream connection. Safe to call multiple
// times; double-close is a no-op.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()

		c.logger.Debug("upstream connection closed",
			slog.String("conversation_id", c.params.ConversationID))
	})
}
