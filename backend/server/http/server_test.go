package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStatus struct {
	users        int
	participants map[string]int
}

func (s *stubStatus) ConnectedUsers() int {
	return s.users
}

func (s *stubStatus) RoomParticipants(sessionID string) int {
	return s.participants[sessionID]
}

func newTestServer(status StatusProvider) *httptest.Server {
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger:     &logger,
		Status:     status,
		ListenAddr: ":0",
	})
	return httptest.NewServer(srv.Handler())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(&stubStatus{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHubStatus(t *testing.T) {
	ts := newTestServer(&stubStatus{users: 7})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 7, status.ConnectedUsers)
}

func TestSessionStatus(t *testing.T) {
	ts := newTestServer(&stubStatus{participants: map[string]int{"sess-42": 3}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions/sess-42")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.Equal(t, "sess-42", session.SessionID)
	assert.Equal(t, 3, session.Participants)
}

func TestSessionStatusUnknownSession(t *testing.T) {
	ts := newTestServer(&stubStatus{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions/nope")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.Equal(t, 0, session.Participants)
}
