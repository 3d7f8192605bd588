package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConnectError_FormatAndUnwrap(t *testing.T) {
	t.Parallel()

	root := errors.New("boom")
	err := &ConnectError{Stage: StageSDPExchange, StatusCode: 401, Err: root}
	if got := err.Error(); got != "realtime connect failed at sdp_exchange (status 401): boom" {
		t.Fatalf("Error()=%q", got)
	}
	wrapped := fmt.Errorf("connect: %w", err)
	var ce *ConnectError
	if !errors.As(wrapped, &ce) || ce.Stage != StageSDPExchange {
		t.Fatalf("errors.As failed: %v", wrapped)
	}
	if !errors.Is(wrapped, root) {
		t.Fatal("root cause not reachable through Unwrap")
	}
}

func TestFrameQueue_OrderAndStop(t *testing.T) {
	t.Parallel()

	q := newFrameQueue()
	for i := 0; i < 5; i++ {
		if !q.push([]byte{byte('a' + i)}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	var got strings.Builder
	for i := 0; i < 5; i++ {
		select {
		case f := <-q.out:
			got.Write(f)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	if got.String() != "abcde" {
		t.Fatalf("order=%q, want abcde", got.String())
	}

	q.stop()
	q.stop()
	if q.push([]byte("x")) {
		t.Fatal("push after stop accepted")
	}
	select {
	case f, ok := <-q.out:
		if ok {
			t.Fatalf("unexpected frame %q after stop", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("out never closed")
	}
}

func TestFrameQueue_StopDeliversAcceptedFrames(t *testing.T) {
	t.Parallel()

	for run := 0; run < 200; run++ {
		q := newFrameQueue()
		for _, f := range []string{"a", "b", "c"} {
			if !q.push([]byte(f)) {
				t.Fatalf("run %d: push %s rejected", run, f)
			}
		}
		q.stop()

		var got strings.Builder
		timeout := time.After(2 * time.Second)
	drain:
		for {
			select {
			case f, ok := <-q.out:
				if !ok {
					break drain
				}
				got.Write(f)
			case <-timeout:
				t.Fatalf("run %d: out never closed", run)
			}
		}
		if got.String() != "abc" {
			t.Fatalf("run %d: frames=%q, want abc", run, got.String())
		}
	}
}

func TestFetchToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if tok, err := fetchToken(ctx, StaticToken(" ek_1 ")); err != nil || tok != "ek_1" {
		t.Fatalf("tok=%q err=%v", tok, err)
	}

	cases := map[string]TokenSource{
		"nil source": nil,
		"empty":      StaticToken(""),
		"error":      TokenFunc(func(context.Context) (string, error) { return "", errors.New("offline") }),
	}
	for name, src := range cases {
		_, err := fetchToken(ctx, src)
		var ce *ConnectError
		if !errors.As(err, &ce) || ce.Stage != StageToken {
			t.Fatalf("%s: err=%v, want token-stage ConnectError", name, err)
		}
	}
}

func TestClientSecretSource_ResponseShapes(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		legacy   bool
		wantPath string
		body     string
	}{
		"ga":     {false, "/realtime/client_secrets", `{"value":"ek_ga","expires_at":1}`},
		"legacy": {true, "/realtime/sessions", `{"id":"sess","client_secret":{"value":"ek_legacy"}}`},
	}
	for name, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != tc.wantPath {
				t.Errorf("%s: path=%q, want %q", name, r.URL.Path, tc.wantPath)
			}
			if r.Header.Get("Authorization") != "Bearer sk_test" {
				t.Errorf("%s: auth=%q", name, r.Header.Get("Authorization"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(tc.body))
		}))

		src := &ClientSecretSource{BaseURL: srv.URL, APIKey: "sk_test", Model: "gpt-realtime", Legacy: tc.legacy}
		tok, err := src.EphemeralToken(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("%s: EphemeralToken() error = %v", name, err)
		}
		if !strings.HasPrefix(tok, "ek_") {
			t.Fatalf("%s: token=%q", name, tok)
		}
	}
}

func TestClientSecretSource_Rejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := &ClientSecretSource{BaseURL: srv.URL, APIKey: "sk_bad"}
	_, err := fetchToken(context.Background(), src)
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Stage != StageToken || ce.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err=%v", err)
	}
}
