package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, integrity-checks and validates configuration
// from a file. It fails fast and loudly: a structurally wrong config never
// leaves this function.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Integrity check runs against the raw file, before interpolation.
	if err := VerifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg := &Config{}
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Listen == "" {
		cfg.Listen = defaults.Listen
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = defaults.SMTP.Port
	}
	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	if cfg.Repositories == nil {
		cfg.Repositories = make(map[string]Repository)
	}

	return cfg
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if len(cfg.Repositories) == 0 {
		return fmt.Errorf("at least one repository is required")
	}

	for name, repo := range cfg.Repositories {
		if !strings.Contains(name, "/") {
			return fmt.Errorf("repository %q: name must be owner/repo", name)
		}
		if repo.Secret == "" {
			return fmt.Errorf("repository %q: secret is required", name)
		}
		if strings.Contains(repo.Secret, "${") {
			return fmt.Errorf("repository %q: secret references an undefined environment variable", name)
		}
		if len(repo.Environments) == 0 {
			return fmt.Errorf("repository %q: at least one environment is required", name)
		}
		for envName, env := range repo.Environments {
			if env.DeployURL == "" {
				return fmt.Errorf("repository %q environment %q: deploy_url is required", name, envName)
			}
			if env.Webroot == "" {
				return fmt.Errorf("repository %q environment %q: webroot is required", name, envName)
			}
			if !filepath.IsAbs(env.Webroot) {
				return fmt.Errorf("repository %q environment %q: webroot must be an absolute path (got %q)", name, envName, env.Webroot)
			}
		}
	}

	if cfg.SMTP.Host != "" && cfg.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}

	return nil
}

// ValidateForServe checks the extra fields the webhook server needs beyond
// the base validation: the app identity used to mint installation tokens.
func ValidateForServe(cfg *Config) error {
	if cfg.App.ClientID == "" {
		return fmt.Errorf("app.client_id is required to serve webhooks")
	}
	if cfg.App.PrivateKeyPath == "" {
		return fmt.Errorf("app.private_key_path is required to serve webhooks")
	}
	if _, err := os.Stat(cfg.App.PrivateKeyPath); err != nil {
		return fmt.Errorf("app.private_key_path: %w", err)
	}
	return nil
}
