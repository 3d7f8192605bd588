package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketConfig struct {
	// BaseURL accepts http(s) or ws(s); http schemes are upgraded.
	BaseURL string
	Model   string
	Tokens  TokenSource
	// Header is sent with the upgrade request in addition to Authorization.
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// WebSocketNegotiator connects over a plain websocket. The channel carries
// control messages only; there is no media, so mute is a no-op.
type WebSocketNegotiator struct {
	cfg WebSocketConfig
}

func NewWebSocketNegotiator(cfg WebSocketConfig) *WebSocketNegotiator {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketNegotiator{cfg: cfg}
}

func (n *WebSocketNegotiator) Name() string { return "websocket" }

func (n *WebSocketNegotiator) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(n.cfg.BaseURL, "/") + "/realtime")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base url must use http(s) or ws(s)")
	}
	if model := strings.TrimSpace(n.cfg.Model); model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (n *WebSocketNegotiator) Open(ctx context.Context) (Channel, error) {
	token, err := fetchToken(ctx, n.cfg.Tokens)
	if err != nil {
		return nil, err
	}
	wsURL, err := n.endpoint()
	if err != nil {
		return nil, connectErr(StageDial, err)
	}

	headers := make(http.Header)
	for k, v := range n.cfg.Header {
		headers[k] = append([]string(nil), v...)
	}
	headers.Set("Authorization", "Bearer "+token)

	conn, resp, err := n.cfg.Dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		ce := connectErr(StageDial, err)
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		return nil, ce
	}

	ch := &wsChannel{
		conn:   conn,
		frames: newFrameQueue(),
		done:   make(chan struct{}),
		logger: n.cfg.Logger,
	}
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	frames *frameQueue
	done   chan struct{}
	logger *slog.Logger

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (c *wsChannel) readLoop() {
	defer close(c.done)
	defer c.frames.stop()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("realtime websocket read ended", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.frames.push(data) {
			return
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Inbound() <-chan []byte { return c.frames.out }

func (c *wsChannel) SetMicEnabled(bool) {}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
		c.frames.stop()
	})
	<-c.done
	return nil
}
