package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// TokenSource supplies the short-lived credential used for one connect
// attempt. An empty token is treated as unavailable.
type TokenSource interface {
	EphemeralToken(ctx context.Context) (string, error)
}

// StaticToken returns the same credential every time.
type StaticToken string

func (t StaticToken) EphemeralToken(ctx context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) EphemeralToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// ClientSecretSource mints ephemeral client secrets with a long-lived API key.
type ClientSecretSource struct {
	BaseURL    string
	APIKey     string
	Model      string
	Voice      string
	HTTPClient *http.Client

	// Legacy uses the beta /realtime/sessions endpoint.
	Legacy bool
}

type clientSecretResponse struct {
	Value        string `json:"value"`
	ClientSecret *struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

func (s *ClientSecretSource) EphemeralToken(ctx context.Context) (string, error) {
	apiKey := strings.TrimSpace(s.APIKey)
	if apiKey == "" {
		return "", errors.New("api key is required to mint a client secret")
	}
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}

	var (
		endpoint string
		payload  any
	)
	if s.Legacy {
		endpoint = base + "/realtime/sessions"
		payload = map[string]any{"model": s.Model, "voice": s.Voice}
	} else {
		endpoint = base + "/realtime/client_secrets"
		session := map[string]any{"type": "realtime", "model": s.Model}
		if s.Voice != "" {
			session["audio"] = map[string]any{"output": map[string]any{"voice": s.Voice}}
		}
		payload = map[string]any{"session": session}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal client secret request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build client secret request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request client secret: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read client secret response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ConnectError{
			Stage:      StageToken,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("client secret request rejected: %s", snippet(raw)),
		}
	}

	var decoded clientSecretResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode client secret response: %w", err)
	}
	token := strings.TrimSpace(decoded.Value)
	if token == "" && decoded.ClientSecret != nil {
		token = strings.TrimSpace(decoded.ClientSecret.Value)
	}
	return token, nil
}

// fetchToken resolves a token and maps every failure to a token-stage
// ConnectError.
func fetchToken(ctx context.Context, src TokenSource) (string, error) {
	if src == nil {
		return "", connectErr(StageToken, errors.New("no token source configured"))
	}
	token, err := src.EphemeralToken(ctx)
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			return "", ce
		}
		return "", connectErr(StageToken, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", connectErr(StageToken, errors.New("token unavailable"))
	}
	return token, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	if s == "" {
		return "<empty body>"
	}
	return s
}
