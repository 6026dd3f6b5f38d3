package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/duolink/duolink/internal/keycap"
)

// SessionInfo is the broker's description of a session.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	Status           string    `json:"status,omitempty"`
	ParticipantCount int       `json:"participant_count,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int64     `json:"expires_in_seconds,omitempty"`
}

func createSession(ctx context.Context, baseURL string, expiresIn time.Duration) (string, SessionInfo, error) {
	var info SessionInfo

	endpoint, err := url.JoinPath(baseURL, "sessions")
	if err != nil {
		return "", info, fmt.Errorf("client: build session url: %w", err)
	}

	var body io.Reader
	if expiresIn > 0 {
		raw, err := json.Marshal(map[string]int64{"expires_in_seconds": int64(expiresIn / time.Second)})
		if err != nil {
			return "", info, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", info, fmt.Errorf("client: build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", info, fmt.Errorf("client: create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", info, fmt.Errorf("client: create session: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", info, fmt.Errorf("client: decode session response: %w", err)
	}

	secret, err := keycap.NewSecret()
	if err != nil {
		return "", info, err
	}
	return keycap.Format(info.SessionID, secret), info, nil
}

// GetSession fetches the current state of a session.
func GetSession(ctx context.Context, baseURL, sessionID string) (SessionInfo, error) {
	var info SessionInfo

	endpoint, err := url.JoinPath(baseURL, "sessions", sessionID)
	if err != nil {
		return info, fmt.Errorf("client: build session url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return info, fmt.Errorf("client: build session request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return info, fmt.Errorf("client: get session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return info, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("client: get session: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("client: decode session response: %w", err)
	}
	return info, nil
}

// DeleteSession removes a session from the broker.
func DeleteSession(ctx context.Context, baseURL, sessionID string) error {
	endpoint, err := url.JoinPath(baseURL, "sessions", sessionID)
	if err != nil {
		return fmt.Errorf("client: build session url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("client: build session request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: delete session: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("client: delete session: unexpected status %s", resp.Status)
	}
	return nil
}
