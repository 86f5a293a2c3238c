// Package scenario runs declarative browser scripts on a jqgo session.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// Step actions.
const (
	ActionVisit          = "visit"
	ActionWaitForPage    = "wait_for_page"
	ActionWaitForElement = "wait_for_element"
	ActionInvoke         = "invoke"
	ActionVal            = "val"
	ActionClick          = "click"
	ActionText           = "text"
	ActionEach           = "each"
	ActionCapture        = "capture"
	ActionUpload         = "upload"
)

// Duration is a time.Duration written as "1.5s", "200ms" or a millisecond count.
// Negative values disable a wait's timeout.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a duration string or a millisecond number.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(data)
}

// Scenario is an ordered list of steps run against one session.
type Scenario struct {
	Name string `yaml:"name" json:"name"`
	// Site overrides the session's base URL.
	Site string `yaml:"site,omitempty" json:"site,omitempty"`
	// Timeout bounds the whole run.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Steps   []Step   `yaml:"steps" json:"steps"`
}

// Step is one scenario action. Which fields apply depends on Action.
type Step struct {
	Action   string        `yaml:"action" json:"action"`
	Path     string        `yaml:"path,omitempty" json:"path,omitempty"`
	Selector string        `yaml:"selector,omitempty" json:"selector,omitempty"`
	Context  string        `yaml:"context,omitempty" json:"context,omitempty"`
	Index    *int          `yaml:"index,omitempty" json:"index,omitempty"`
	Method   string        `yaml:"method,omitempty" json:"method,omitempty"`
	Args     []interface{} `yaml:"args,omitempty" json:"args,omitempty"`
	Value    *string       `yaml:"value,omitempty" json:"value,omitempty"`
	Timeout  *Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Save stores the step's value in the result under this name.
	Save string `yaml:"save,omitempty" json:"save,omitempty"`
}

// Load reads a YAML or JSON scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that every step names a known action with its required fields.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}
	return nil
}

func (st Step) validate() error {
	need := func(name, v string) error {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	switch st.Action {
	case ActionVisit, ActionCapture:
		return need("path", st.Path)
	case ActionWaitForPage:
		return nil
	case ActionWaitForElement, ActionClick, ActionText, ActionVal:
		return need("selector", st.Selector)
	case ActionInvoke:
		if err := need("selector", st.Selector); err != nil {
			return err
		}
		return need("method", st.Method)
	case ActionEach:
		return need("selector", st.Selector)
	case ActionUpload:
		if err := need("selector", st.Selector); err != nil {
			return err
		}
		return need("path", st.Path)
	case "":
		return errors.New("action is required")
	}
	return fmt.Errorf("unknown action %q", st.Action)
}

// SessionConfig applies the scenario's overrides to base.
func (s *Scenario) SessionConfig(base jqgo.Config) jqgo.Config {
	if s.Site != "" {
		base.Site = s.Site
	}
	return base
}

func (st Step) timeout(def time.Duration) time.Duration {
	if st.Timeout == nil {
		return def
	}
	if *st.Timeout < 0 {
		return jqgo.NoTimeout
	}
	return time.Duration(*st.Timeout)
}
