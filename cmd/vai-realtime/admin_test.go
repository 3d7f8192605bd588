package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/metrics"
	"github.com/vango-go/vai-realtime/pkg/realtime/session"
	"github.com/vango-go/vai-realtime/pkg/realtime/tools"
)

type stubAdminSession struct {
	snap    session.Snapshot
	entries []conversation.Entry
	lastN   int
}

func (s *stubAdminSession) Snapshot() session.Snapshot { return s.snap }

func (s *stubAdminSession) History(ctx context.Context, n int) ([]conversation.Entry, error) {
	s.lastN = n
	return s.entries, nil
}

func TestAdminServer_Routes(t *testing.T) {
	t.Parallel()
	sess := &stubAdminSession{
		snap: session.Snapshot{
			ID:    "rts_1",
			State: session.StateOpen,
			Voice: "alloy",
			Tools: []tools.Descriptor{{Name: "get_time", Description: "Get the current time"}},
		},
		entries: []conversation.Entry{{
			ID:        "ent_1",
			Content:   conversation.AITranscript{ResponseID: "r1", Text: "Hello"},
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
	}
	m := metrics.New("admin_test")
	m.RecordEntry("ai_transcript")
	srv := httptest.NewServer(buildAdminServer("", m, sess).Handler)
	defer srv.Close()

	get := func(path string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return resp, string(body)
	}

	if resp, _ := get("/health"); resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status=%d", resp.StatusCode)
	}

	resp, body := get("/session")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/session status=%d", resp.StatusCode)
	}
	var snap snapshotResponse
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != "open" || len(snap.Tools) != 1 || snap.Tools[0].Name != "get_time" {
		t.Fatalf("snapshot=%+v", snap)
	}

	resp, body = get("/history?n=3")
	if resp.StatusCode != http.StatusOK || sess.lastN != 3 {
		t.Fatalf("/history status=%d n=%d", resp.StatusCode, sess.lastN)
	}
	if !strings.Contains(body, `"kind":"ai_transcript"`) || !strings.Contains(body, `"text":"Hello"`) {
		t.Fatalf("history body=%s", body)
	}

	if resp, _ := get("/history?n=-1"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad n status=%d", resp.StatusCode)
	}

	_, body = get("/metrics")
	if !strings.Contains(body, "admin_test_") {
		t.Fatalf("metrics body missing namespace: %s", body)
	}
}
