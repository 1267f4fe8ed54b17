package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hackgods/telehealth-sessions/internal/api"
)

// APIError is a non-2xx answer from the session API.
type APIError struct {
	Status  int
	Code    string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Details)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

// HasCode reports whether err is an APIError carrying code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// APIClient talks to the session API over HTTP.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, client *http.Client) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *APIClient) CreateRoom(ctx context.Context, req api.CreateRoomRequest) (*api.RoomResponse, error) {
	var out api.RoomResponse
	if err := c.do(ctx, http.MethodPost, "/room/create", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Join(ctx context.Context, req api.JoinRoomRequest) (*api.JoinRoomResponse, error) {
	var out api.JoinRoomResponse
	if err := c.do(ctx, http.MethodPost, "/room/join", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Leave(ctx context.Context, participantID string, endCall bool) error {
	var out api.LeaveRoomResponse
	return c.do(ctx, http.MethodPost, "/room/leave", api.LeaveRoomRequest{
		ParticipantID: participantID,
		EndCall:       endCall,
	}, &out)
}

func (c *APIClient) RoomStatus(ctx context.Context, appointmentID string) (*api.RoomStatusResponse, error) {
	var out api.RoomStatusResponse
	if err := c.do(ctx, http.MethodGet, "/room/status/"+url.PathEscape(appointmentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) SubmitConsent(ctx context.Context, appointmentID, patientID string, given bool) (*api.SubmitConsentResponse, error) {
	var out api.SubmitConsentResponse
	err := c.do(ctx, http.MethodPost, "/consent", api.SubmitConsentRequest{
		AppointmentID: appointmentID,
		PatientID:     patientID,
		ConsentGiven:  &given,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ConsentStatus(ctx context.Context, appointmentID string) (*api.ConsentStatusResponse, error) {
	var out api.ConsentStatusResponse
	if err := c.do(ctx, http.MethodGet, "/consent/"+url.PathEscape(appointmentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil {
			apiErr.Code, apiErr.Details = e.Error, e.Details
		}
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
