package config

// Config represents the complete liveswap configuration.
type Config struct {
	Service       ServiceConfig         `yaml:"service"`
	Listen        string                `yaml:"listen"`
	App           AppConfig             `yaml:"app"`
	SMTP          SMTPConfig            `yaml:"smtp,omitempty"`
	History       HistoryConfig         `yaml:"history"`
	LogRecipients []string              `yaml:"log_recipients,omitempty"`
	Repositories  map[string]Repository `yaml:"repositories"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// AppConfig identifies the application registered with the source-control
// host. The private key signs the short-lived JWT used to mint installation
// tokens.
type AppConfig struct {
	ClientID       string `yaml:"client_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	APIBaseURL     string `yaml:"api_base_url,omitempty"`
}

// SMTPConfig defines the relay used for transcript mail. Optional; with no
// host configured, transcripts are logged but not mailed.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	From string `yaml:"from"`
}

// HistoryConfig defines deployment history storage settings.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Repository defines one deployable repository: its webhook signing secret
// and its deployment environments. Loaded once per process and never mutated.
type Repository struct {
	// Secret is the shared HMAC key for webhook signature verification.
	// Supports ${ENV} interpolation, which is the recommended way to keep
	// it out of the config file.
	Secret string `yaml:"secret"`

	LogRecipients []string               `yaml:"log_recipients,omitempty"`
	Environments  map[string]Environment `yaml:"environments"`
}

// Environment defines a single deployment target for a repository.
type Environment struct {
	// DeployURL is the public-facing URL reported in deployment statuses.
	DeployURL string `yaml:"deploy_url"`

	// Webroot is the absolute path of the published symlink. Version
	// directories, the lock file and temporary files live beside it.
	Webroot string `yaml:"webroot"`

	LogRecipients []string `yaml:"log_recipients,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "liveswap",
			LogLevel: "info",
		},
		Listen: "127.0.0.1:8090",
		SMTP: SMTPConfig{
			Port: 25,
		},
		History: HistoryConfig{
			Path: "./data/history.db",
		},
		Repositories: make(map[string]Repository),
	}
}

// Secrets returns the repository name → signing secret map used by the
// webhook signature check.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.Repositories))
	for name, repo := range c.Repositories {
		out[name] = repo.Secret
	}
	return out
}

// MergedRecipients merges log-recipient lists from the global, repository
// and environment scopes plus the pusher's email if present. Order is
// preserved, duplicates removed.
func (c *Config) MergedRecipients(repo, env, pusherEmail string) []string {
	var merged []string
	seen := make(map[string]bool)
	add := func(addrs ...string) {
		for _, a := range addrs {
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			merged = append(merged, a)
		}
	}

	add(c.LogRecipients...)
	if r, ok := c.Repositories[repo]; ok {
		add(r.LogRecipients...)
		if e, ok := r.Environments[env]; ok {
			add(e.LogRecipients...)
		}
	}
	add(pusherEmail)
	return merged
}
