package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mattjoyce/liveswap/internal/config"
)

const deploymentStatusEvent = "deployment_status"

var (
	shaPattern      = regexp.MustCompile(`^[0-9a-f]{40}$`)
	checksumPattern = regexp.MustCompile(`^sha256=[0-9a-f]{64}$`)
)

// Wire shapes of the deployment_status event. Only security-relevant fields
// are declared; everything else in the delivery is ignored.
type eventPayload struct {
	Action           string            `json:"action"`
	DeploymentStatus *statusPayload    `json:"deployment_status"`
	Deployment       *deployPayload    `json:"deployment"`
	Repository       *repoRefPayload   `json:"repository"`
}

type statusPayload struct {
	State       string `json:"state"`
	Environment string `json:"environment"`
}

type deployPayload struct {
	// ID stays raw so a missing or non-integer value is reported as a
	// field error, not a generic JSON error.
	ID          json.RawMessage  `json:"id"`
	Task        string           `json:"task"`
	Environment string           `json:"environment"`
	SHA         string           `json:"sha"`
	Payload     *buildPayload    `json:"payload"`
}

type buildPayload struct {
	Artifact *artifactPayload `json:"artifact"`
	Pusher   *pusherPayload   `json:"pusher"`
	Authors  []string         `json:"authors"`
}

type artifactPayload struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
}

type pusherPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Validate runs the full validation pipeline over one delivery and either
// produces an immutable DeploymentRequest, a benign no-op, or a RequestError
// carrying the response status. Checks run in a fixed order and
// short-circuit on the first failure.
//
// The method and media-type checks happen in the HTTP handler before body
// bytes are read; everything from the signature onward happens here.
func Validate(cfg *config.Config, eventType, signature string, body []byte) (Outcome, *RequestError) {
	matched := identifySender(body, signature, cfg.Secrets())
	if len(matched) == 0 {
		return Outcome{}, requestErr(http.StatusForbidden, "signature verification failed")
	}

	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Outcome{}, requestErr(http.StatusBadRequest, "malformed JSON payload")
	}

	// Any event kind other than deployment_status is accepted as a no-op:
	// the host delivers whatever kinds the hook is subscribed to.
	if eventType != deploymentStatusEvent {
		return Outcome{Ignored: fmt.Sprintf("ignored event type %q", eventType)}, nil
	}

	if payload.Repository == nil || payload.Repository.FullName == "" {
		return Outcome{}, requestErr(http.StatusBadRequest, "payload missing repository")
	}
	repo := payload.Repository.FullName
	if !containsString(matched, repo) {
		// Either the repository is not configured at all, or the payload
		// names one whose secret did not produce the signature. Both are
		// trust failures.
		return Outcome{}, requestErr(http.StatusForbidden, "unknown repository %q", repo)
	}
	repoCfg := cfg.Repositories[repo]

	if payload.Deployment == nil {
		return Outcome{}, requestErr(http.StatusBadRequest, "payload missing deployment")
	}
	dep := payload.Deployment

	envName := dep.Environment
	envCfg, ok := repoCfg.Environments[envName]
	if !ok {
		return Outcome{}, requestErr(http.StatusBadRequest, "unknown environment %q for repository %q", envName, repo)
	}

	if dep.Task != "deploy" {
		return Outcome{}, requestErr(http.StatusBadRequest, "unexpected deployment task %q", dep.Task)
	}

	deploymentID, err := parseDeploymentID(dep.ID)
	if err != nil {
		return Outcome{}, requestErr(http.StatusBadRequest, "deployment id missing or not an integer")
	}

	if !shaPattern.MatchString(dep.SHA) {
		return Outcome{}, requestErr(http.StatusBadRequest, "commit sha must be 40 hex characters")
	}

	if payload.DeploymentStatus == nil {
		return Outcome{}, requestErr(http.StatusBadRequest, "payload missing deployment_status")
	}
	status := payload.DeploymentStatus
	if status.Environment != "" && status.Environment != envName {
		return Outcome{}, requestErr(http.StatusBadRequest,
			"deployment_status environment %q does not match deployment environment %q", status.Environment, envName)
	}

	// The host emits a steady drip of status updates per deployment; only
	// the first "pending" transition triggers action.
	if status.State != "pending" {
		return Outcome{Ignored: fmt.Sprintf("ignored deployment state %q", status.State)}, nil
	}

	build := dep.Payload
	if build == nil || build.Artifact == nil ||
		build.Artifact.Name == "" || build.Artifact.URL == "" || build.Artifact.Checksum == "" {
		return Outcome{}, requestErr(http.StatusBadRequest, "payload missing artifact name/url/checksum")
	}
	art := build.Artifact

	if !assetURLPattern(repo).MatchString(art.URL) {
		return Outcome{}, requestErr(http.StatusBadRequest, "artifact url does not match release-asset pattern for %q", repo)
	}

	if len(art.Checksum) != 71 || !checksumPattern.MatchString(art.Checksum) {
		return Outcome{}, requestErr(http.StatusBadRequest, "artifact checksum must be sha256= followed by 64 hex characters")
	}

	var pusher Pusher
	var pusherEmail string
	if build.Pusher != nil {
		pusher = Pusher{Name: build.Pusher.Name, Email: build.Pusher.Email}
		pusherEmail = build.Pusher.Email
	}

	req := &DeploymentRequest{
		Repo:          repo,
		Environment:   envName,
		Env:           envCfg,
		DeploymentID:  deploymentID,
		SHA:           dep.SHA,
		Artifact:      ArtifactRef(*art),
		Pusher:        pusher,
		Authors:       append([]string(nil), build.Authors...),
		LogRecipients: cfg.MergedRecipients(repo, envName, pusherEmail),
		DeliveryID:    uuid.NewString(),
	}
	return Outcome{Request: req}, nil
}

type repoRefPayload struct {
	FullName string `json:"full_name"`
}

// assetURLPattern builds the expected artifact URL pattern for one
// repository: https://api.<host>/repos/<repo>/releases/assets/<digits>.
func assetURLPattern(repo string) *regexp.Regexp {
	return regexp.MustCompile(`^https://api\.[^/]+/repos/` + regexp.QuoteMeta(repo) + `/releases/assets/[0-9]+$`)
}

func parseDeploymentID(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, fmt.Errorf("deployment id missing")
	}
	return strconv.ParseInt(s, 10, 64)
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
