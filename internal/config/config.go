package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for paths and the remote entry point. The entry URL carries the
// login-source query parameters the conversation surface expects on a fresh
// profile.
const (
	DefaultListenAddr    = "localhost:8088"
	DefaultEntryURL      = "https://www.perplexity.ai/?login-source=signupButton&login-new=false"
	DefaultUserDataDir   = "~/.perplexity-browser-profile"
	DefaultSessionStore  = "sessions.json"
	DefaultTranscriptDir = "data/transcripts"
)

// Config captures all tunable settings for the askplexi server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	Perplexity  PerplexityConfig  `yaml:"perplexity"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	MCP         MCPConfig         `yaml:"mcp"`
}

// ServerConfig carries service identification and the HTTP listener address.
type ServerConfig struct {
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	ListenAddr string `yaml:"listen_addr"`
	LogFile    string `yaml:"log_file"`
}

// BrowserConfig configures how the single shared browser instance is launched
// and how long its startup phases may take.
type BrowserConfig struct {
	// Entry URL of the conversation surface.
	EntryURL string `yaml:"perplexity_url"`
	// Persistent profile directory so authentication survives restarts. A
	// leading ~ is expanded.
	UserDataDir string `yaml:"user_data_dir"`
	// Optional browser binary override; empty means auto-detect.
	Bin string `yaml:"bin"`
	// Extra launch flags (e.g., ["--no-first-run", "--lang=en-US"]).
	Launch []string `yaml:"launch"`
	// Headless controls headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// UseVirtualDisplay runs a headed browser inside an Xvfb display.
	UseVirtualDisplay bool `yaml:"use_virtual_display"`
	// Settle time after launch before the page is probed (e.g., "5s").
	BrowserLoadWait string `yaml:"browser_load_wait"`
	// Bound on waiting out a pending manual login (e.g., "45s").
	LoginDetectTimeout string `yaml:"login_detect_timeout"`
}

// PerplexityConfig bounds the submit/wait/extract protocol against the
// conversation page.
type PerplexityConfig struct {
	QuestionInputTimeout string `yaml:"question_input_timeout"`
	ElementWaitTimeout   string `yaml:"element_wait_timeout"`
	ResponseWaitTimeout  string `yaml:"response_wait_timeout"`
	AnswerPollInterval   string `yaml:"answer_poll_interval"`
	// Bounded automatic browser relaunches before a request fails.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// SessionsConfig locates the persisted session index.
type SessionsConfig struct {
	StorePath string `yaml:"store_path"`
}

// TranscriptsConfig controls the JSONL exchange recorder.
type TranscriptsConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// MCPConfig controls the optional MCP tool surface served over SSE.
type MCPConfig struct {
	Enable  bool `yaml:"enable"`
	SSEPort int  `yaml:"sse_port"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:       "askplexi",
			Version:    "0.1.0",
			ListenAddr: DefaultListenAddr,
			LogFile:    "askplexi.log",
		},
		Browser: BrowserConfig{
			EntryURL:           DefaultEntryURL,
			UserDataDir:        DefaultUserDataDir,
			BrowserLoadWait:    "5s",
			LoginDetectTimeout: "45s",
		},
		Perplexity: PerplexityConfig{
			QuestionInputTimeout: "10s",
			ElementWaitTimeout:   "30s",
			ResponseWaitTimeout:  "300s",
			AnswerPollInterval:   "2s",
			MaxRestartAttempts:   2,
		},
		Sessions: SessionsConfig{
			StorePath: DefaultSessionStore,
		},
		Transcripts: TranscriptsConfig{
			Enable: false,
			Dir:    DefaultTranscriptDir,
		},
		MCP: MCPConfig{
			Enable:  false,
			SSEPort: 8090,
		},
	}
}

// Load reads configuration from a YAML file, overlaying the defaults.
// Relative paths in the file (session store, log file, transcript dir) are
// resolved against the file's directory so the service behaves the same
// regardless of working directory.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	resolvePaths(&cfg, filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the validated defaults when the
// file does not exist, so a bare checkout can run without a config file.
func LoadOrDefault(path string) (Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and obvious mistakes.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Browser.EntryURL == "" {
		return fmt.Errorf("browser.perplexity_url is required")
	}
	if !strings.HasPrefix(c.Browser.EntryURL, "http://") && !strings.HasPrefix(c.Browser.EntryURL, "https://") {
		return fmt.Errorf("browser.perplexity_url must be an http(s) URL")
	}
	if c.Sessions.StorePath == "" {
		return fmt.Errorf("sessions.store_path is required")
	}
	if c.Perplexity.MaxRestartAttempts < 0 {
		return fmt.Errorf("perplexity.max_restart_attempts must not be negative")
	}
	if c.MCP.Enable && (c.MCP.SSEPort <= 0 || c.MCP.SSEPort > 65535) {
		return fmt.Errorf("mcp.sse_port must be a valid port when mcp is enabled")
	}
	return nil
}

func resolvePaths(cfg *Config, baseDir string) {
	if baseDir == "" || baseDir == "." {
		return
	}
	cfg.Server.LogFile = resolveRelative(baseDir, cfg.Server.LogFile)
	cfg.Sessions.StorePath = resolveRelative(baseDir, cfg.Sessions.StorePath)
	cfg.Transcripts.Dir = resolveRelative(baseDir, cfg.Transcripts.Dir)
}

func resolveRelative(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, "~") {
		return path
	}
	return filepath.Join(baseDir, path)
}

// IsHeadless reports whether the browser should run headless.
// Defaults to true when not set.
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// LoadWait returns the settle time granted to the browser after launch.
// Defaults to 5s.
func (b BrowserConfig) LoadWait() time.Duration {
	d, err := time.ParseDuration(b.BrowserLoadWait)
	if err != nil || d < 0 {
		return 5 * time.Second
	}
	return d
}

// LoginWait returns the bound on waiting for the conversation surface before
// a pending manual login fails the request. Defaults to 45s.
func (b BrowserConfig) LoginWait() time.Duration {
	d, err := time.ParseDuration(b.LoginDetectTimeout)
	if err != nil || d <= 0 {
		return 45 * time.Second
	}
	return d
}

// ProfileDir returns the user-data directory with a leading ~ expanded.
func (b BrowserConfig) ProfileDir() string {
	dir := b.UserDataDir
	if dir == "" {
		dir = DefaultUserDataDir
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return dir
}

// InputTimeout bounds locating the question input. Defaults to 10s.
func (p PerplexityConfig) InputTimeout() time.Duration {
	d, err := time.ParseDuration(p.QuestionInputTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ElementTimeout bounds locating auxiliary page elements. Defaults to 30s.
func (p PerplexityConfig) ElementTimeout() time.Duration {
	d, err := time.ParseDuration(p.ElementWaitTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ResponseTimeout bounds the overall wait for answer completion.
// Defaults to 300s.
func (p PerplexityConfig) ResponseTimeout() time.Duration {
	d, err := time.ParseDuration(p.ResponseWaitTimeout)
	if err != nil || d <= 0 {
		return 300 * time.Second
	}
	return d
}

// PollInterval returns the cadence of answer-completion checks.
// Defaults to 2s.
func (p PerplexityConfig) PollInterval() time.Duration {
	d, err := time.ParseDuration(p.AnswerPollInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// RestartAttempts returns the bounded number of automatic browser relaunches
// attempted before a request fails as browser-unavailable.
func (p PerplexityConfig) RestartAttempts() int {
	if p.MaxRestartAttempts < 0 {
		return 0
	}
	return p.MaxRestartAttempts
}
