package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Mirror copies committed entries to an external chat-room service.
type Mirror interface {
	AppendMessage(ctx context.Context, roomID string, content Content) error
}

// HTTPMirror posts entries to {BaseURL}/rooms/{roomID}/messages.
type HTTPMirror struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (m *HTTPMirror) AppendMessage(ctx context.Context, roomID string, content Content) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("room id is required")
	}
	envelope, err := MarshalContent(content)
	if err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		Content json.RawMessage `json:"content"`
	}{envelope})
	if err != nil {
		return fmt.Errorf("marshal mirror body: %w", err)
	}

	endpoint := strings.TrimRight(m.BaseURL, "/") + "/rooms/" + url.PathEscape(roomID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}

	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post mirror message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mirror returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

const defaultMirrorQueueSize = 100

// MirroredStore appends to an inner Store and mirrors every appended entry
// through a bounded queue drained by one background worker. Mirror failures
// are logged and never fail the append.
type MirroredStore struct {
	Store

	mirror  Mirror
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

type MirrorOptions struct {
	QueueSize int
	// Timeout bounds each mirror call. Zero means 10s.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewMirroredStore(inner Store, mirror Mirror, opts MirrorOptions) *MirroredStore {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultMirrorQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &MirroredStore{
		Store:   inner,
		mirror:  mirror,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		queue:   make(chan Entry, opts.QueueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *MirroredStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	stored, err := s.Store.Append(ctx, entry)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stored, nil
	}
	select {
	case s.queue <- stored:
	default:
		s.logger.Warn("conversation mirror queue full, dropping entry",
			"entry_id", stored.ID,
			"queue_len", len(s.queue),
		)
	}
	return stored, nil
}

func (s *MirroredStore) run() {
	defer s.wg.Done()
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		start := time.Now()
		err := s.mirror.AppendMessage(ctx, entry.RoomID, entry.Content)
		cancel()
		if err != nil {
			s.logger.Warn("conversation mirror failed",
				"entry_id", entry.ID,
				"room_id", entry.RoomID,
				"error", err,
			)
			continue
		}
		if d := time.Since(start); d > time.Second {
			s.logger.Debug("slow conversation mirror", "entry_id", entry.ID, "duration_ms", d.Milliseconds())
		}
	}
}

// Close stops accepting new mirror work and waits up to ctx for queued
// entries to be delivered. The inner store is not closed.
func (s *MirroredStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("conversation mirror shutdown timeout", "queue_remaining", len(s.queue))
		return ctx.Err()
	}
}
