package webhook

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/mattjoyce/liveswap/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "site-secret"
	testSHA    = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testSum    = "sha256=abababababababababababababababababababababababababababababababab"
	testAsset  = "https://api.github.com/repos/acme/site/releases/assets/123"
)

func testConfig() *config.Config {
	return &config.Config{
		LogRecipients: []string{"ops@acme.test"},
		Repositories: map[string]config.Repository{
			"acme/site": {
				Secret:        testSecret,
				LogRecipients: []string{"web@acme.test"},
				Environments: map[string]config.Environment{
					"production": {
						DeployURL:     "https://www.acme.test",
						Webroot:       "/srv/www/site",
						LogRecipients: []string{"prod@acme.test"},
					},
				},
			},
		},
	}
}

// validPayload returns a fully valid deployment_status delivery that each
// test case mutates.
func validPayload() map[string]any {
	return map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": "acme/site"},
		"deployment": map[string]any{
			"id":          42,
			"task":        "deploy",
			"environment": "production",
			"sha":         testSHA,
			"payload": map[string]any{
				"artifact": map[string]any{
					"name":     "site.tar.gz",
					"url":      testAsset,
					"checksum": testSum,
				},
				"pusher":  map[string]any{"name": "dev", "email": "dev@acme.test"},
				"authors": []string{"author@acme.test"},
			},
		},
		"deployment_status": map[string]any{"state": "pending", "environment": "production"},
	}
}

func signedValidate(t *testing.T, cfg *config.Config, eventType string, payload map[string]any) (Outcome, *RequestError) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return Validate(cfg, eventType, SignBody(body, testSecret), body)
}

func TestValidateSuccess(t *testing.T) {
	outcome, reqErr := signedValidate(t, testConfig(), "deployment_status", validPayload())
	require.Nil(t, reqErr)
	require.NotNil(t, outcome.Request)

	req := outcome.Request
	assert.Equal(t, "acme/site", req.Repo)
	assert.Equal(t, "production", req.Environment)
	assert.Equal(t, "/srv/www/site", req.Env.Webroot)
	assert.Equal(t, int64(42), req.DeploymentID)
	assert.Equal(t, testSHA, req.SHA)
	assert.Equal(t, testAsset, req.Artifact.URL)
	assert.Equal(t, testSum, req.Artifact.Checksum)
	assert.Equal(t, []string{"author@acme.test"}, req.Authors)
	assert.NotEmpty(t, req.DeliveryID)

	// Recipients merge global, repository, environment and pusher scopes.
	assert.Equal(t, []string{"ops@acme.test", "web@acme.test", "prod@acme.test", "dev@acme.test"}, req.LogRecipients)
}

func TestValidateSignatureMismatch(t *testing.T) {
	body, err := json.Marshal(validPayload())
	require.NoError(t, err)

	_, reqErr := Validate(testConfig(), "deployment_status", SignBody(body, "wrong-secret"), body)
	require.NotNil(t, reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.Status)
}

func TestValidateMalformedJSON(t *testing.T) {
	body := []byte("{not json")
	_, reqErr := Validate(testConfig(), "deployment_status", SignBody(body, testSecret), body)
	require.NotNil(t, reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.Status)
}

func TestValidateIgnoredEventType(t *testing.T) {
	// Any other event kind is accepted as a no-op, not an error.
	outcome, reqErr := signedValidate(t, testConfig(), "push", validPayload())
	require.Nil(t, reqErr)
	assert.Nil(t, outcome.Request)
	assert.Contains(t, outcome.Ignored, "push")
}

func TestValidateNonPendingStateIsNoOp(t *testing.T) {
	// The host re-delivers a status update per transition; only the first
	// "pending" one acts.
	for _, state := range []string{"queued", "in_progress", "success", "failure"} {
		payload := validPayload()
		payload["deployment_status"].(map[string]any)["state"] = state

		outcome, reqErr := signedValidate(t, testConfig(), "deployment_status", payload)
		require.Nil(t, reqErr, "state %s", state)
		assert.Nil(t, outcome.Request, "state %s", state)
		assert.Contains(t, outcome.Ignored, state)
	}
}

func TestValidateFieldErrors(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(p map[string]any)
		wantStatus int
	}{
		{
			name: "unknown repository",
			mutate: func(p map[string]any) {
				p["repository"].(map[string]any)["full_name"] = "acme/other"
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name: "unknown environment",
			mutate: func(p map[string]any) {
				p["deployment"].(map[string]any)["environment"] = "staging"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "task not deploy",
			mutate: func(p map[string]any) {
				p["deployment"].(map[string]any)["task"] = "migrate"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "deployment id missing",
			mutate: func(p map[string]any) {
				delete(p["deployment"].(map[string]any), "id")
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "deployment id not an integer",
			mutate: func(p map[string]any) {
				p["deployment"].(map[string]any)["id"] = "42"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "sha too short",
			mutate: func(p map[string]any) {
				p["deployment"].(map[string]any)["sha"] = "abc123"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "sha not hex",
			mutate: func(p map[string]any) {
				p["deployment"].(map[string]any)["sha"] = strings.Repeat("z", 40)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "status environment mismatch",
			mutate: func(p map[string]any) {
				p["deployment_status"].(map[string]any)["environment"] = "development"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "artifact missing",
			mutate: func(p map[string]any) {
				delete(p["deployment"].(map[string]any)["payload"].(map[string]any), "artifact")
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "artifact url wrong repository",
			mutate: func(p map[string]any) {
				art := p["deployment"].(map[string]any)["payload"].(map[string]any)["artifact"].(map[string]any)
				art["url"] = "https://api.github.com/repos/acme/other/releases/assets/123"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "artifact url not an asset url",
			mutate: func(p map[string]any) {
				art := p["deployment"].(map[string]any)["payload"].(map[string]any)["artifact"].(map[string]any)
				art["url"] = "https://evil.example/repos/acme/site/releases/assets/123"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "artifact url trailing segment",
			mutate: func(p map[string]any) {
				art := p["deployment"].(map[string]any)["payload"].(map[string]any)["artifact"].(map[string]any)
				art["url"] = testAsset + "/extra"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "checksum wrong length",
			mutate: func(p map[string]any) {
				art := p["deployment"].(map[string]any)["payload"].(map[string]any)["artifact"].(map[string]any)
				art["checksum"] = "sha256=abcd"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "checksum not hex",
			mutate: func(p map[string]any) {
				art := p["deployment"].(map[string]any)["payload"].(map[string]any)["artifact"].(map[string]any)
				art["checksum"] = "sha256=" + strings.Repeat("zz", 32)
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := validPayload()
			tt.mutate(payload)

			outcome, reqErr := signedValidate(t, testConfig(), "deployment_status", payload)
			require.NotNil(t, reqErr, "expected a request error")
			assert.Equal(t, tt.wantStatus, reqErr.Status)
			assert.Nil(t, outcome.Request)
		})
	}
}
