package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, req *DeploymentRequest) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T, runner DeployRunner) *httptest.Server {
	t.Helper()
	s := New(testConfig(), runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.setupRoutes())
	t.Cleanup(ts.Close)
	return ts
}

func postWebhook(t *testing.T, ts *httptest.Server, eventType, signature string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventTypeHeader, eventType)
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{})

	resp, err := http.Get(ts.URL + "/webhook")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerUnsupportedMediaType(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{})

	resp, err := http.Post(ts.URL+"/webhook", "text/plain", bytes.NewReader([]byte("hi")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestServerBadSignature(t *testing.T) {
	runner := &fakeRunner{}
	ts := newTestServer(t, runner)

	body, err := json.Marshal(validPayload())
	require.NoError(t, err)

	resp := postWebhook(t, ts, "deployment_status", SignBody(body, "wrong-secret"), body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, runner.callCount())
}

func TestServerIgnoredEvent(t *testing.T) {
	runner := &fakeRunner{}
	ts := newTestServer(t, runner)

	body, err := json.Marshal(validPayload())
	require.NoError(t, err)

	resp := postWebhook(t, ts, "ping", SignBody(body, testSecret), body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, runner.callCount())
}

func TestServerFastCompletion(t *testing.T) {
	runner := &fakeRunner{}
	ts := newTestServer(t, runner)

	body, err := json.Marshal(validPayload())
	require.NoError(t, err)

	resp := postWebhook(t, ts, "deployment_status", SignBody(body, testSecret), body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, runner.callCount())
}

func TestServerFastFailure(t *testing.T) {
	runner := &fakeRunner{err: context.DeadlineExceeded}
	ts := newTestServer(t, runner)

	body, err := json.Marshal(validPayload())
	require.NoError(t, err)

	resp := postWebhook(t, ts, "deployment_status", SignBody(body, testSecret), body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServerSlowDeploymentAccepted(t *testing.T) {
	// A deployment still running after the grace window answers 202 and
	// continues detached.
	runner := &fakeRunner{delay: 2 * dispatchGrace}
	ts := newTestServer(t, runner)

	body, err := json.Marshal(validPayload())
	require.NoError(t, err)

	resp := postWebhook(t, ts, "deployment_status", SignBody(body, testSecret), body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, runner.callCount())
}
