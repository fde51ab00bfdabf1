package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/mattjoyce/liveswap/internal/artifact"
	"github.com/mattjoyce/liveswap/internal/config"
	"github.com/mattjoyce/liveswap/internal/githost"
	"github.com/mattjoyce/liveswap/internal/history"
	"github.com/mattjoyce/liveswap/internal/log"
	"github.com/mattjoyce/liveswap/internal/transcript"
	"github.com/mattjoyce/liveswap/internal/webhook"
)

var assetIDPattern = regexp.MustCompile(`/releases/assets/([0-9]+)$`)

// Runner executes one validated deployment end to end and implements
// webhook.DeployRunner. Request errors never reach it; everything that goes
// wrong from here on is an operational error, reported out-of-band through a
// failure status and the mailed transcript.
type Runner struct {
	Cfg     *config.Config
	Auth    *githost.AppAuth
	History *history.Store
	Mailer  transcript.Mailer

	// Token bypasses credential issuance when the caller already holds an
	// API token (the deploy CLI contract). Secret likewise overrides the
	// repository's configured artifact-signing secret.
	Token  string
	Secret string

	// HTTPClient is used for artifact transfer. Nil means
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Run deploys req. Every log line of the invocation is buffered in a
// transcript and reduced to a single notification at the end.
func (r *Runner) Run(ctx context.Context, req *webhook.DeploymentRequest) error {
	started := time.Now()
	collector := transcript.NewCollector(log.Get().Handler())
	logger := collector.Logger().With(
		"component", "deploy",
		"delivery_id", req.DeliveryID,
		"repo", req.Repo,
		"environment", req.Environment,
		"deployment_id", req.DeploymentID,
	)
	logger.Info("deployment starting", "sha", req.SHA, "artifact", req.Artifact.Name)

	if r.History != nil {
		if err := r.History.Begin(ctx, history.Record{
			DeliveryID:   req.DeliveryID,
			Repo:         req.Repo,
			Environment:  req.Environment,
			DeploymentID: req.DeploymentID,
			SHA:          req.SHA,
			StartedAt:    started,
		}); err != nil {
			logger.Warn("history begin failed", "error", err)
		}
	}

	versionDir, err := r.deploy(ctx, req, logger)

	state := githost.StateSuccess
	errMsg := ""
	if err != nil {
		state = githost.StateFailure
		errMsg = err.Error()
		logger.Error("deployment failed", "error", err)
	} else {
		logger.Info("deployment complete", "version_dir", versionDir, "elapsed", time.Since(started).Round(time.Millisecond).String())
	}

	if r.History != nil {
		if herr := r.History.Finish(ctx, req.DeliveryID, state, versionDir, errMsg); herr != nil {
			logger.Warn("history finish failed", "error", herr)
		}
	}

	subject := fmt.Sprintf("[liveswap] %s %s %.12s: %s", req.Repo, req.Environment, req.SHA, state)
	if ferr := collector.Flush(context.WithoutCancel(ctx), r.Mailer, subject, req.LogRecipients); ferr != nil {
		// Observability only; a notification failure never escalates.
		log.Warn("transcript mail failed", "delivery_id", req.DeliveryID, "error", ferr)
	}

	return err
}

// deploy runs the credentialed portion: token issuance, status reporting,
// the lock-and-swap manager, and post-success asset retention.
func (r *Runner) deploy(ctx context.Context, req *webhook.DeploymentRequest, logger *slog.Logger) (string, error) {
	token := r.Token
	if token == "" {
		if r.Auth == nil {
			return "", fmt.Errorf("no credentials: neither app auth nor a static token configured")
		}
		var err error
		token, err = r.Auth.InstallationToken(ctx, req.Repo)
		if err != nil {
			// Fatal before any filesystem side effects: without this
			// credential even the failure status could not be reported.
			return "", err
		}
		logger.Info("installation token issued", "repo", req.Repo)
	}

	client, err := githost.NewClient(r.Cfg.App.APIBaseURL, token)
	if err != nil {
		return "", err
	}
	reporter, err := githost.NewStatusReporter(client, req.Repo, req.DeploymentID, req.Env.DeployURL, req.SHA, logger)
	if err != nil {
		return "", err
	}

	secret := r.Secret
	if secret == "" {
		secret = r.Cfg.Repositories[req.Repo].Secret
	}

	mgr := &Manager{
		Webroot:      req.Env.Webroot,
		SHA:          req.SHA,
		DeploymentID: req.DeploymentID,
		Reporter:     reporter,
		Logger:       logger,
		Fetch: func(ctx context.Context, dest string) (func(), error) {
			return artifact.Fetch(ctx, r.HTTPClient, req.Artifact.URL, token, dest, req.Artifact.Checksum, secret)
		},
	}

	versionDir, err := mgr.Run(ctx)
	if err != nil {
		return "", err
	}

	// Retention runs only after a successful publish, and never fails the
	// deployment.
	if assetID, ok := assetIDFromURL(req.Artifact.URL); ok {
		if perr := githost.PruneAssets(ctx, client, req.Repo, assetID, logger); perr != nil {
			logger.Warn("asset retention pruning failed", "error", perr)
		}
	}

	return versionDir, nil
}

// assetIDFromURL extracts the numeric asset id from a release-asset URL.
func assetIDFromURL(url string) (int64, bool) {
	m := assetIDPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
