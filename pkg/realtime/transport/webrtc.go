package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// EventsChannelLabel is the data channel carrying JSON control messages.
const EventsChannelLabel = "oai-events"

type WebRTCConfig struct {
	BaseURL string
	// SDPPath is appended to BaseURL. Defaults to /realtime/calls.
	SDPPath string
	Model   string
	Tokens  TokenSource

	ICEServers []string

	// Media builds the local capture for one connection. Nil streams silence.
	Media func() (MediaSource, error)
	// Playback receives remote audio. Nil discards it.
	Playback PlaybackSink

	// API overrides the pion API, e.g. to tune the SettingEngine.
	API *webrtc.API

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type WebRTCNegotiator struct {
	cfg WebRTCConfig
}

func NewWebRTCNegotiator(cfg WebRTCConfig) *WebRTCNegotiator {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.SDPPath) == "" {
		cfg.SDPPath = "/realtime/calls"
	}
	if cfg.Media == nil {
		cfg.Media = func() (MediaSource, error) { return NewSilentSource() }
	}
	if cfg.Playback == nil {
		cfg.Playback = DiscardSink{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebRTCNegotiator{cfg: cfg}
}

func (n *WebRTCNegotiator) Name() string { return "webrtc" }

// Open performs the full offer/answer handshake and returns once the events
// data channel is open. On failure everything created so far is torn down.
func (n *WebRTCNegotiator) Open(ctx context.Context) (Channel, error) {
	token, err := fetchToken(ctx, n.cfg.Tokens)
	if err != nil {
		return nil, err
	}

	ch := &webrtcChannel{
		frames: newFrameQueue(),
		opened: make(chan struct{}),
		logger: n.cfg.Logger,
	}
	ok := false
	defer func() {
		if !ok {
			_ = ch.Close()
		}
	}()

	mediaSrc, err := n.cfg.Media()
	if err != nil {
		return nil, connectErr(StageMedia, err)
	}
	ch.media = mediaSrc

	pc, err := n.newPeerConnection()
	if err != nil {
		return nil, connectErr(StagePeerConnection, err)
	}
	ch.pc = pc

	playback := n.cfg.Playback
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.cfg.Logger.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		playback.Play(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.cfg.Logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			ch.frames.stop()
		}
	})

	if _, err := pc.AddTrack(mediaSrc.Track()); err != nil {
		return nil, connectErr(StageMedia, fmt.Errorf("add local track: %w", err))
	}

	// The data channel must exist before the offer so it is part of the same
	// negotiation.
	dc, err := pc.CreateDataChannel(EventsChannelLabel, nil)
	if err != nil {
		return nil, connectErr(StageDataChannel, err)
	}
	ch.dc = dc
	dc.OnOpen(func() { ch.openOnce.Do(func() { close(ch.opened) }) })
	dc.OnClose(ch.frames.stop)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ch.frames.push(append([]byte(nil), msg.Data...))
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, connectErr(StageOffer, err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, connectErr(StageOffer, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, connectErr(StageOffer, fmt.Errorf("ice gathering: %w", ctx.Err()))
	}

	answer, err := n.exchangeSDP(ctx, token, pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return nil, connectErr(StageAnswer, err)
	}

	select {
	case <-ch.opened:
	case <-ch.frames.done:
		return nil, connectErr(StageDataChannel, errors.New("data channel closed before open"))
	case <-ctx.Done():
		return nil, connectErr(StageDataChannel, fmt.Errorf("waiting for data channel: %w", ctx.Err()))
	}

	mediaSrc.Start()
	ok = true
	return ch, nil
}

func (n *WebRTCNegotiator) newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(n.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: n.cfg.ICEServers}}
	}
	if n.cfg.API != nil {
		return n.cfg.API.NewPeerConnection(cfg)
	}
	return webrtc.NewPeerConnection(cfg)
}

func (n *WebRTCNegotiator) exchangeSDP(ctx context.Context, token, offer string) (string, error) {
	endpoint := strings.TrimRight(n.cfg.BaseURL, "/") + "/" + strings.TrimLeft(n.cfg.SDPPath, "/")
	if model := strings.TrimSpace(n.cfg.Model); model != "" {
		endpoint += "?model=" + url.QueryEscape(model)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", connectErr(StageSDPExchange, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := n.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", connectErr(StageSDPExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", connectErr(StageSDPExchange, fmt.Errorf("read answer: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ConnectError{
			Stage:      StageSDPExchange,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("sdp exchange rejected: %s", snippet(body)),
		}
	}
	answer := string(body)
	if strings.TrimSpace(answer) == "" {
		return "", connectErr(StageAnswer, errors.New("empty sdp answer"))
	}
	return answer, nil
}

type webrtcChannel struct {
	frames   *frameQueue
	opened   chan struct{}
	openOnce sync.Once
	logger   *slog.Logger

	// mu guards the references below and serializes sends.
	mu     sync.Mutex
	closed bool
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	media  MediaSource
}

func (c *webrtcChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.dc == nil {
		return ErrChannelClosed
	}
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}
	return c.dc.SendText(string(data))
}

func (c *webrtcChannel) Inbound() <-chan []byte { return c.frames.out }

func (c *webrtcChannel) SetMicEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.media != nil {
		c.media.SetEnabled(enabled)
	}
}

// Close releases the data channel, the peer connection and the media capture,
// in that order. Each step tolerates the resource already being gone.
func (c *webrtcChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dc, pc, mediaSrc := c.dc, c.pc, c.media
	c.dc, c.pc, c.media = nil, nil, nil
	c.mu.Unlock()

	var errs []error
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data channel: %w", err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	if mediaSrc != nil {
		if err := mediaSrc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close media: %w", err))
		}
	}
	c.frames.stop()
	if err := errors.Join(errs...); err != nil {
		c.logger.Debug("realtime channel teardown", "error", err)
	}
	return nil
}
