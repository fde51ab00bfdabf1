package githost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-github/v68/github"
)

// Deployment lifecycle states reported to the host.
const (
	StateQueued     = "queued"
	StateInProgress = "in_progress"
	StateSuccess    = "success"
	StateFailure    = "failure"
)

// statusTimeout bounds each status post. Status reporting is observability,
// not a correctness dependency.
const statusTimeout = 10 * time.Second

// StatusReporter posts deployment lifecycle states for one deployment id.
// Every post is best-effort: errors are logged and never propagated, so a
// failed "failure" report cannot mask the primary error.
type StatusReporter struct {
	client       *github.Client
	owner        string
	repo         string
	deploymentID int64
	envURL       string
	logURL       string
	logger       *slog.Logger
}

// NewStatusReporter builds a reporter for one deployment. envURL is the
// public-facing environment URL; logURL links to the commit's logs.
func NewStatusReporter(client *github.Client, repoFull string, deploymentID int64, envURL, sha string, logger *slog.Logger) (*StatusReporter, error) {
	owner, name, err := SplitRepo(repoFull)
	if err != nil {
		return nil, err
	}
	return &StatusReporter{
		client:       client,
		owner:        owner,
		repo:         name,
		deploymentID: deploymentID,
		envURL:       envURL,
		logURL:       fmt.Sprintf("https://github.com/%s/%s/commit/%s/checks", owner, name, sha),
		logger:       logger,
	}, nil
}

// Report posts one state transition. No retries.
func (r *StatusReporter) Report(ctx context.Context, state string) {
	rctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	_, _, err := r.client.Repositories.CreateDeploymentStatus(rctx, r.owner, r.repo, r.deploymentID,
		&github.DeploymentStatusRequest{
			State:          github.String(state),
			EnvironmentURL: github.String(r.envURL),
			LogURL:         github.String(r.logURL),
		})
	if err != nil {
		r.logger.Warn("deployment status report failed",
			"state", state,
			"deployment_id", r.deploymentID,
			"error", err,
		)
		return
	}
	r.logger.Info("deployment status reported", "state", state, "deployment_id", r.deploymentID)
}
