package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/jqgo/internal/browser"
	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

const (
	// Version is the current version of jqgo
	Version = "1"
	// AppName is the application name
	AppName = "jqgo Server"
)

// Config holds all configuration options for the jqgo server
type Config struct {
	// Server
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"` // Full base URL for API responses (e.g., http://localhost:8000)

	// Browser
	Engine         string `yaml:"engine"` // chrome | lightpanda
	BrowserBin     string `yaml:"browser_bin"`
	BrowserHost    string `yaml:"browser_host"`
	BrowserPort    int    `yaml:"browser_port"`
	Headless       bool   `yaml:"headless"`
	NoSandbox      bool   `yaml:"no_sandbox"`
	Proxy          string `yaml:"proxy"`
	ChromeRevision int    `yaml:"chrome_revision"`
	InstallBrowser bool   `yaml:"install_browser"` // download the engine before starting
	Isolated       bool   `yaml:"isolated"`        // one incognito context per session (chrome)

	// Page options applied to every page: user agent, extra headers, cookies.
	Page browser.PageOptions `yaml:"page"`

	// Session
	Site              string        `yaml:"site"`
	AddQueryLibrary   bool          `yaml:"add_query_library"`
	QueryLibraryURL   string        `yaml:"query_library_url"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`

	// Queue (NATS JetStream)
	WithNats   bool   `yaml:"with_nats"`
	NatsURL    string `yaml:"nats_url"`
	NatsStore  string `yaml:"nats_store"`
	NatsAutoDL bool   `yaml:"nats_autodl"`
	NatsSHA256 string `yaml:"nats_sha256"` // expected digest of the downloaded archive
	NatsBin    string `yaml:"nats_bin"`
	Workers    int    `yaml:"workers"`

	// Security
	RateLimitRequests int           `yaml:"rate_limit"` // requests per window
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	IdempotencyTTL    time.Duration `yaml:"idempotency_ttl"` // TTL for idempotency keys
	ResultTTL         time.Duration `yaml:"result_ttl"`      // TTL for job results
	MaxJobTimeout     time.Duration `yaml:"max_job_timeout"` // Maximum allowed job timeout
	MaxRetries        int           `yaml:"max_retries"`     // Maximum retries per job
	APIKeys           []string      `yaml:"api_keys"`        // Accepted X-API-Key values, empty disables auth
	AllowedIPs        []string      `yaml:"allowed_ips"`     // Client IPs allowed on /jqgo, empty allows all

	// Flags
	ConfigFile  string `yaml:"-"`
	Debug       bool   `yaml:"debug"`
	ShowVersion bool   `yaml:"-"`
	ShowHelp    bool   `yaml:"-"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8000,
		Engine:            browser.EngineChrome,
		BrowserHost:       "127.0.0.1",
		BrowserPort:       9222,
		Headless:          true,
		Isolated:          true,
		AddQueryLibrary:   true,
		QueryLibraryURL:   jqgo.DefaultQueryLibraryURL,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		PollInterval:      jqgo.DefaultPollInterval,
		NavigationTimeout: 30 * time.Second,
		WithNats:          true,
		NatsURL:           "nats://127.0.0.1:4222",
		NatsStore:         "./data/nats",
		NatsAutoDL:        true,
		NatsBin:           "./bin/nats-server",
		Workers:           1,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		ResultTTL:         7 * 24 * time.Hour, // 7 days
		MaxJobTimeout:     5 * time.Minute,
		MaxRetries:        3,
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// RegisterFlags binds the config fields to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	// Server flags
	fs.StringVar(&c.Host, "host", c.Host, "Host address to bind the server")
	fs.IntVar(&c.Port, "port", c.Port, "Port number for the server")
	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "Base URL for API responses")

	// Browser flags
	fs.StringVar(&c.Engine, "engine", c.Engine, "Browser engine: chrome or lightpanda")
	fs.StringVar(&c.BrowserBin, "browser-bin", c.BrowserBin, "Browser binary path (auto-detected if empty)")
	fs.StringVar(&c.BrowserHost, "browser-host", c.BrowserHost, "Lightpanda CDP host")
	fs.IntVar(&c.BrowserPort, "browser-port", c.BrowserPort, "Lightpanda CDP port")
	fs.BoolVar(&c.Headless, "headless", c.Headless, "Run chrome headless")
	fs.BoolVar(&c.NoSandbox, "no-sandbox", c.NoSandbox, "Disable the chrome sandbox")
	fs.StringVar(&c.Proxy, "proxy", c.Proxy, "Proxy server for chrome")
	fs.IntVar(&c.ChromeRevision, "chrome-revision", c.ChromeRevision, "Chromium revision to download (0 uses default)")
	fs.BoolVar(&c.InstallBrowser, "install-browser", c.InstallBrowser, "Install the browser engine and its dependencies at startup")
	fs.BoolVar(&c.Isolated, "isolated", c.Isolated, "Give every session its own incognito context (chrome)")
	fs.StringVar(&c.Page.UserAgent, "user-agent", c.Page.UserAgent, "User-Agent override for every page")

	// Session flags
	fs.StringVar(&c.Site, "site", c.Site, "Base URL prefixed to visited paths")
	fs.BoolVar(&c.AddQueryLibrary, "add-query-library", c.AddQueryLibrary, "Inject jQuery into visited pages")
	fs.StringVar(&c.QueryLibraryURL, "query-library-url", c.QueryLibraryURL, "URL of the injected jQuery")
	fs.IntVar(&c.ViewportWidth, "viewport-width", c.ViewportWidth, "Viewport width")
	fs.IntVar(&c.ViewportHeight, "viewport-height", c.ViewportHeight, "Viewport height")
	fs.DurationVar(&c.NavigationTimeout, "navigation-timeout", c.NavigationTimeout, "Best-effort page load timeout (negative for none)")

	// NATS flags
	fs.BoolVar(&c.WithNats, "with-nats", c.WithNats, "Enable NATS JetStream for job queue")
	fs.StringVar(&c.NatsURL, "nats-url", c.NatsURL, "NATS server URL")
	fs.StringVar(&c.NatsStore, "nats-store", c.NatsStore, "NATS JetStream storage directory")
	fs.BoolVar(&c.NatsAutoDL, "nats-autodl", c.NatsAutoDL, "Auto-download NATS server binary")
	fs.StringVar(&c.NatsSHA256, "nats-sha256", c.NatsSHA256, "Expected SHA-256 of the NATS release archive")
	fs.StringVar(&c.NatsBin, "nats-bin", c.NatsBin, "Path to NATS server binary")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Concurrent scenario workers")

	// Security flags
	fs.IntVar(&c.RateLimitRequests, "rate-limit", c.RateLimitRequests, "Rate limit requests per minute")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Maximum retries per job (1-10)")

	// Other flags
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
	fs.BoolVar(&c.ShowVersion, "version", c.ShowVersion, "Show version information")
	fs.BoolVar(&c.ShowHelp, "help", c.ShowHelp, "Show help message")
}

// ParseFlags parses command line flags and returns the config. A --config
// file is applied first so explicit flags override it.
func ParseFlags() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse builds a config from args on fs.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()

	file := configFileArg(args)
	if file != "" {
		if err := LoadFile(cfg, file); err != nil {
			return nil, err
		}
	}

	cfg.RegisterFlags(fs)
	fs.StringVar(&cfg.ConfigFile, "config", file, "YAML config file")
	fs.Usage = PrintHelp
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

func configFileArg(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--config" || arg == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case len(arg) > 9 && arg[:9] == "--config=":
			return arg[9:]
		case len(arg) > 8 && arg[:8] == "-config=":
			return arg[8:]
		}
	}
	return ""
}

func (c *Config) normalize() {
	// Auto-generate BaseURL if not provided
	if c.BaseURL == "" {
		host := c.Host
		if host == "0.0.0.0" {
			host = "localhost"
		}
		c.BaseURL = fmt.Sprintf("http://%s:%d", host, c.Port)
	}

	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.MaxRetries > 10 {
		c.MaxRetries = 10
	}
	if c.RateLimitRequests < 1 {
		c.RateLimitRequests = 100
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
}

// Session returns the session settings.
func (c *Config) Session() jqgo.Config {
	return jqgo.Config{
		Site:              c.Site,
		AddQueryLibrary:   c.AddQueryLibrary,
		QueryLibraryURL:   c.QueryLibraryURL,
		ViewportWidth:     c.ViewportWidth,
		ViewportHeight:    c.ViewportHeight,
		Debug:             c.Debug,
		PollInterval:      c.PollInterval,
		NavigationTimeout: c.NavigationTimeout,
	}
}

// Browser returns the engine options.
func (c *Config) Browser() browser.Options {
	return browser.Options{
		Engine:    c.Engine,
		BinPath:   c.BrowserBin,
		Headless:  c.Headless,
		NoSandbox: c.NoSandbox,
		Proxy:     c.Proxy,
		Host:      c.BrowserHost,
		Port:      c.BrowserPort,
		Isolated:  c.Isolated,
		Page:      c.Page,
	}
}

// PrintVersion prints version information
func PrintVersion() {
	fmt.Printf("%s v%s\n", AppName, Version)
}

// PrintHelp prints help information
func PrintHelp() {
	def := DefaultConfig()
	fmt.Printf(`%s v%s (jQuery-style browser scenarios)

Usage:
  ./server [flags]

Server:
  --host               %s
  --port               %d
  --base-url           (auto-generated if empty)
  --config             YAML config file

Browser:
  --engine             %s (chrome | lightpanda)
  --browser-bin        (auto-detected if empty)
  --browser-host       %s
  --browser-port       %d
  --headless           %v
  --no-sandbox         %v
  --proxy              (chrome only)
  --chrome-revision    %d
  --install-browser    %v
  --isolated           %v
  --user-agent         (browser default if empty)

Session:
  --site               base URL for visited paths
  --add-query-library  %v
  --query-library-url  %s
  --viewport-width     %d
  --viewport-height    %d
  --navigation-timeout %s

Queue (NATS JetStream):
  --with-nats          %v
  --nats-url           %s
  --nats-store         %s
  --nats-autodl        %v
  --nats-bin           %s
  --nats-sha256        (skip verification if empty)
  --workers            %d

Security:
  --rate-limit         %d (requests per minute)
  --max-retries        %d (max retries per job)

Other:
  --debug              enable debug logging
  --version            show version
  --help               show this help

`, AppName, Version,
		def.Host, def.Port,
		def.Engine, def.BrowserHost, def.BrowserPort, def.Headless, def.NoSandbox, def.ChromeRevision, def.InstallBrowser, def.Isolated,
		def.AddQueryLibrary, def.QueryLibraryURL, def.ViewportWidth, def.ViewportHeight, def.NavigationTimeout,
		def.WithNats, def.NatsURL, def.NatsStore, def.NatsAutoDL, def.NatsBin, def.Workers,
		def.RateLimitRequests, def.MaxRetries)
}

// HandleFlags handles version and help flags, exits if needed
func HandleFlags(cfg *Config) {
	if cfg.ShowVersion {
		PrintVersion()
		os.Exit(0)
	}

	if cfg.ShowHelp {
		PrintHelp()
		os.Exit(0)
	}
}
