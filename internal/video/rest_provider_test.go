package video

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTProvider_CreateRoom(t *testing.T) {
	from := time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC)
	until := time.Date(2025, 1, 10, 11, 20, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rooms", r.URL.Path)

		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		_, err := jwt.Parse(bearer, func(*jwt.Token) (interface{}, error) { return []byte("secret"), nil })
		assert.NoError(t, err)

		var req createRoomRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.NotBefore.Equal(from))
		assert.True(t, req.ExpiresAt.Equal(until))

		_ = json.NewEncoder(w).Encode(createRoomResponse{Handle: "RM123"})
	}))
	defer srv.Close()

	p := NewRESTProvider(NewTokenProvider("key", "secret", "wss://x/rtc", time.Hour), srv.URL+"/", srv.Client())
	handle, err := p.CreateRoom(context.Background(), from, until)
	require.NoError(t, err)
	assert.Equal(t, "RM123", handle)
	assert.Equal(t, "wss://x/rtc", p.Endpoint())
}

func TestRESTProvider_CreateRoomFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRESTProvider(NewTokenProvider("key", "secret", "", time.Hour), srv.URL, srv.Client())
	_, err := p.CreateRoom(context.Background(), time.Now(), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "503")
}

func TestRESTProvider_CreateRoomMissingHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := NewRESTProvider(NewTokenProvider("key", "secret", "", time.Hour), srv.URL, srv.Client())
	_, err := p.CreateRoom(context.Background(), time.Now(), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRESTProvider_Unreachable(t *testing.T) {
	p := NewRESTProvider(NewTokenProvider("key", "secret", "", time.Hour), "http://127.0.0.1:1", nil)
	_, err := p.CreateRoom(context.Background(), time.Now(), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
}
