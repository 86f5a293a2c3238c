package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

const (
	EngineChrome     = "chrome"
	EngineLightpanda = "lightpanda"
)

// Engine is a browser process a jqgo.Session can drive.
type Engine interface {
	jqgo.Browser
	Start() error
	Stop() error
	IsRunning() bool
	GetEndpoint() string
	Name() string
}

// Options configures an Engine.
type Options struct {
	Engine    string
	BinPath   string
	Headless  bool
	NoSandbox bool
	Proxy     string
	// Host and Port are where the Lightpanda CDP server listens.
	Host string
	Port int
	// Isolated gives every chrome page its own incognito browser context, so
	// sessions sharing the engine do not share cookies or storage.
	Isolated bool
	Page     PageOptions
}

// New returns the engine named by opts.Engine, not yet started.
func New(opts Options, logger *zap.Logger) (Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.Engine {
	case "", EngineChrome:
		return NewChromeManager(opts, logger), nil
	case EngineLightpanda:
		if opts.Proxy != "" {
			return nil, fmt.Errorf("proxy is only supported by the chrome engine")
		}
		if opts.BinPath == "" {
			path, err := FindLightpandaBinary()
			if err != nil {
				return nil, err
			}
			opts.BinPath = path
		}
		return NewLightpandaManager(opts, logger), nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", opts.Engine)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"use of closed network connection", "broken pipe", "connection reset by peer", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Shared lends b to sessions. Closing a session then closes its page but
// leaves b running.
func Shared(b jqgo.Browser) jqgo.Browser {
	return shared{b}
}

type shared struct{ jqgo.Browser }

func (shared) Close() error { return nil }
