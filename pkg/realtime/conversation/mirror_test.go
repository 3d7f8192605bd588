package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHTTPMirror_PostsEnvelope(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotAuth string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := &HTTPMirror{BaseURL: srv.URL + "/", APIKey: "k_test", HTTPClient: srv.Client()}
	if err := m.AppendMessage(context.Background(), "room 1", Message{Role: "user", Text: "hi"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if gotPath != "/rooms/room 1/messages" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotAuth != "Bearer k_test" {
		t.Fatalf("auth=%q", gotAuth)
	}
	var body struct {
		Content struct {
			Kind string `json:"kind"`
		} `json:"content"`
	}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Content.Kind != "message" {
		t.Fatalf("kind=%q", body.Content.Kind)
	}
}

func TestHTTPMirror_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "room not found", http.StatusNotFound)
	}))
	defer srv.Close()

	m := &HTTPMirror{BaseURL: srv.URL}
	err := m.AppendMessage(context.Background(), "r", Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
}

type recordingMirror struct {
	mu      sync.Mutex
	got     []Content
	fail    bool
	arrived chan struct{}
}

func (m *recordingMirror) AppendMessage(ctx context.Context, roomID string, content Content) error {
	m.mu.Lock()
	m.got = append(m.got, content)
	m.mu.Unlock()
	if m.arrived != nil {
		m.arrived <- struct{}{}
	}
	if m.fail {
		return errors.New("mirror down")
	}
	return nil
}

func TestMirroredStore_MirrorsInOrder(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{}
	s := NewMirroredStore(NewMemoryStore("room"), mirror, MirrorOptions{})
	appendTexts(t, s, "a", "b", "c")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.got) != 3 {
		t.Fatalf("mirrored=%d, want 3", len(mirror.got))
	}
	if Text(mirror.got[2]) != "c" {
		t.Fatalf("last mirrored=%q", Text(mirror.got[2]))
	}
}

func TestMirroredStore_FailureDoesNotFailAppend(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{fail: true, arrived: make(chan struct{}, 1)}
	s := NewMirroredStore(NewMemoryStore("room"), mirror, MirrorOptions{})

	if _, err := s.Append(context.Background(), Entry{Content: Message{Text: "x"}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	select {
	case <-mirror.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("mirror never called")
	}
	all, _ := s.All(context.Background())
	if len(all) != 1 {
		t.Fatalf("entries=%d, want 1", len(all))
	}
	_ = s.Close(context.Background())

	// Appends after Close still reach the inner store.
	if _, err := s.Append(context.Background(), Entry{Content: Message{Text: "y"}}); err != nil {
		t.Fatalf("Append() after close error = %v", err)
	}
}
