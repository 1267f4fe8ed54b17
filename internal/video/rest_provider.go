package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RESTProvider allocates rooms through the platform's REST API and signs
// grants locally with the same secret.
type RESTProvider struct {
	*TokenProvider
	baseURL string
	client  *http.Client
}

func NewRESTProvider(tokens *TokenProvider, baseURL string, client *http.Client) *RESTProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTProvider{
		TokenProvider: tokens,
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        client,
	}
}

type createRoomRequest struct {
	NotBefore time.Time `json:"notBefore"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type createRoomResponse struct {
	Handle string `json:"handle"`
}

func (p *RESTProvider) CreateRoom(ctx context.Context, validFrom, validUntil time.Time) (string, error) {
	body, err := json.Marshal(createRoomRequest{NotBefore: validFrom.UTC(), ExpiresAt: validUntil.UTC()})
	if err != nil {
		return "", fmt.Errorf("encode create room: %w", err)
	}

	token, err := p.serviceToken()
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create room request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: create room returned %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode create room: %v", ErrUnavailable, err)
	}
	if out.Handle == "" {
		return "", fmt.Errorf("%w: create room returned no handle", ErrUnavailable)
	}

	return out.Handle, nil
}
