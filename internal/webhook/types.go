package webhook

import (
	"context"
	"fmt"

	"github.com/mattjoyce/liveswap/internal/config"
)

// DeployRunner executes a validated deployment. The server dispatches it
// asynchronously and races it against a short timer to keep webhook
// acknowledgments fast.
type DeployRunner interface {
	Run(ctx context.Context, req *DeploymentRequest) error
}

// DeploymentRequest is the fully validated outcome of one webhook delivery.
// It is constructed only by the validation pipeline and never mutated after.
type DeploymentRequest struct {
	// Repo is the repository full name ("owner/repo"), confirmed by
	// signature match, never taken from the payload alone.
	Repo string

	// Environment is the deployment environment name.
	Environment string

	// Env is the resolved environment configuration.
	Env config.Environment

	DeploymentID int64
	SHA          string
	Artifact     ArtifactRef
	Pusher       Pusher
	Authors      []string

	// LogRecipients is the merged global+repository+environment+pusher list.
	LogRecipients []string

	// DeliveryID correlates transcript lines and history rows for this
	// invocation.
	DeliveryID string
}

// ArtifactRef points at the release asset produced by the build pipeline.
type ArtifactRef struct {
	Name string

	// URL must match the per-repository release-asset pattern
	// https://api.<host>/repos/<repo>/releases/assets/<digits>.
	URL string

	// Checksum is "sha256=" + 64 hex chars: the HMAC-SHA256 of the asset
	// bytes under the repository's shared secret.
	Checksum string
}

// Pusher identifies who triggered the build.
type Pusher struct {
	Name  string
	Email string
}

// RequestError is a client-caused validation or authentication failure. It
// carries the HTTP status code the central handler responds with. Request
// errors are reported synchronously and never retried.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func requestErr(status int, format string, args ...any) *RequestError {
	return &RequestError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Outcome is the result of validating one delivery. Exactly one of Request
// and Ignored is set: Ignored carries the reason for a benign no-op (the
// host emits many status updates per deployment; only the first "pending"
// one acts).
type Outcome struct {
	Request *DeploymentRequest
	Ignored string
}
