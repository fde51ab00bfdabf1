package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/mattjoyce/liveswap/internal/config"
	"github.com/mattjoyce/liveswap/internal/deploy"
	"github.com/mattjoyce/liveswap/internal/githost"
	"github.com/mattjoyce/liveswap/internal/history"
	"github.com/mattjoyce/liveswap/internal/log"
	"github.com/mattjoyce/liveswap/internal/storage"
	"github.com/mattjoyce/liveswap/internal/transcript"
	"github.com/mattjoyce/liveswap/internal/tui/watch"
	"github.com/mattjoyce/liveswap/internal/webhook"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "deploy":
		os.Exit(runDeploy(args))
	case "history":
		os.Exit(runHistory(args))
	case "watch":
		os.Exit(runWatch(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("liveswap version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`liveswap - Webhook-driven atomic static-site deployment

Usage:
  liveswap serve   [--config PATH]                 Run the webhook receiver
  liveswap deploy  WEBROOT REPO ENV DEPLOY_URL DEPLOYMENT_ID SHA ARTIFACT_URL CHECKSUM [RECIPIENT...]
                                                   Run one deployment directly
                                                   (env: LIVESWAP_TOKEN, LIVESWAP_SECRET)
  liveswap history [--config PATH] [-n N]          Show recent deployments
  liveswap watch   [--config PATH]                 Live deployment view
  liveswap config check       [--config PATH]      Validate configuration
  liveswap config hash-update [--config PATH]      Regenerate config checksums
  liveswap version
`)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "path to config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := config.ValidateForServe(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		logger.Error("open history store", "error", err)
		return 1
	}
	defer db.Close()

	auth, err := githost.NewAppAuth(cfg.App.ClientID, cfg.App.PrivateKeyPath, cfg.App.APIBaseURL)
	if err != nil {
		logger.Error("load app credentials", "error", err)
		return 1
	}

	runner := &deploy.Runner{
		Cfg:     cfg,
		Auth:    auth,
		History: history.New(db),
		Mailer:  mailerFromConfig(cfg),
	}

	server := webhook.New(cfg, runner, log.WithComponent("webhook"))
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

var (
	shaArgPattern      = regexp.MustCompile(`^[0-9a-f]{40}$`)
	checksumArgPattern = regexp.MustCompile(`^sha256=[0-9a-f]{64}$`)
)

// runDeploy is the direct invocation contract: all trust decisions already
// made by the caller, who supplies the API token and artifact signing secret
// through the environment.
func runDeploy(args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "path to config file (optional)")
	_ = fs.Parse(args)
	rest := fs.Args()

	if len(rest) < 8 {
		fmt.Fprintln(os.Stderr, "Error: deploy requires WEBROOT REPO ENV DEPLOY_URL DEPLOYMENT_ID SHA ARTIFACT_URL CHECKSUM")
		return 1
	}
	webroot, repo, env, deployURL := rest[0], rest[1], rest[2], rest[3]
	sha, artifactURL, checksum := rest[5], rest[6], rest[7]
	recipients := rest[8:]

	deploymentID, err := strconv.ParseInt(rest[4], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: deployment id %q is not an integer\n", rest[4])
		return 1
	}
	if !shaArgPattern.MatchString(sha) {
		fmt.Fprintln(os.Stderr, "Error: commit sha must be 40 hex characters")
		return 1
	}
	if !checksumArgPattern.MatchString(checksum) {
		fmt.Fprintln(os.Stderr, "Error: checksum must be sha256= followed by 64 hex characters")
		return 1
	}

	token := os.Getenv("LIVESWAP_TOKEN")
	secret := os.Getenv("LIVESWAP_SECRET")
	if token == "" || secret == "" {
		fmt.Fprintln(os.Stderr, "Error: LIVESWAP_TOKEN and LIVESWAP_SECRET must be set")
		return 1
	}

	// Config is optional here; without it, history and mail are skipped.
	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.Defaults()
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("deploy-cli")
	if cfgErr != nil {
		logger.Warn("config not loaded, continuing without history/mail", "error", cfgErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &deploy.Runner{
		Cfg:    cfg,
		Token:  token,
		Secret: secret,
		Mailer: mailerFromConfig(cfg),
	}
	if cfgErr == nil {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			logger.Warn("history store unavailable", "error", err)
		} else {
			defer db.Close()
			runner.History = history.New(db)
		}
	}

	req := &webhook.DeploymentRequest{
		Repo:          repo,
		Environment:   env,
		Env:           config.Environment{DeployURL: deployURL, Webroot: webroot},
		DeploymentID:  deploymentID,
		SHA:           sha,
		Artifact:      webhook.ArtifactRef{Name: "artifact", URL: artifactURL, Checksum: checksum},
		LogRecipients: recipients,
		DeliveryID:    uuid.NewString(),
	}

	if err := runner.Run(ctx, req); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("deployed %s %s %.12s\n", repo, env, sha)
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "path to config file")
	limit := fs.Int("n", 20, "number of rows")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	records, err := history.New(db).Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("%-9s %-28s %-12s %-12s %-10s %-20s %s\n",
		"STATE", "REPO", "ENV", "SHA", "DEPLOY", "STARTED", "ERROR")
	for _, r := range records {
		fmt.Printf("%-9s %-28s %-12s %-12.12s %-10d %-20s %s\n",
			r.State, r.Repo, r.Environment, r.SHA, r.DeploymentID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Error)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "path to config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	if _, err := tea.NewProgram(watch.New(history.New(db))).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: liveswap config <check|hash-update> [--config PATH]")
		return 1
	}
	action := args[0]
	fs := flag.NewFlagSet("config "+action, flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "path to config file")
	_ = fs.Parse(args[1:])

	switch action {
	case "check":
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("config ok: %d repositories\n", len(cfg.Repositories))
		if err := config.ValidateForServe(cfg); err != nil {
			fmt.Printf("note: not servable yet: %v\n", err)
		}
		return 0
	case "hash-update":
		if err := config.GenerateChecksums(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("checksums updated")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func mailerFromConfig(cfg *config.Config) transcript.Mailer {
	if cfg.SMTP.Host == "" {
		return nil
	}
	return transcript.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From)
}
