package jqgo

import "time"

const (
	// DefaultQueryLibraryURL is injected into visited pages when AddQueryLibrary is set.
	DefaultQueryLibraryURL = "http://code.jquery.com/jquery-1.9.1.min.js"
	// DefaultPollInterval is the readiness and element polling period.
	DefaultPollInterval = 100 * time.Millisecond
	// NoTimeout disables the best-effort deadline of a wait.
	NoTimeout time.Duration = -1
)

// Config holds the settings consumed by a Session.
type Config struct {
	// Site is prefixed to every visited path.
	Site            string        `yaml:"site" json:"site"`
	AddQueryLibrary bool          `yaml:"add_query_library" json:"add_query_library"`
	QueryLibraryURL string        `yaml:"query_library_url" json:"query_library_url"`
	ViewportWidth   int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight  int           `yaml:"viewport_height" json:"viewport_height"`
	Debug           bool          `yaml:"debug" json:"debug"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// NavigationTimeout bounds the load wait of Visit and WaitForPage. Negative means unbounded.
	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		AddQueryLibrary:   true,
		QueryLibraryURL:   DefaultQueryLibraryURL,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		PollInterval:      DefaultPollInterval,
		NavigationTimeout: NoTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueryLibraryURL == "" {
		c.QueryLibraryURL = def.QueryLibraryURL
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = def.ViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = def.ViewportHeight
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.NavigationTimeout == 0 {
		c.NavigationTimeout = def.NavigationTimeout
	}
	return c
}
