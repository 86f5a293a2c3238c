package browser

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/rod/lib/utils"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// PageOptions are applied to every page an engine creates.
type PageOptions struct {
	UserAgent string            `yaml:"user_agent" json:"user_agent,omitempty"`
	Headers   map[string]string `yaml:"headers" json:"headers,omitempty"`
	Cookies   []CookieParam     `yaml:"cookies" json:"cookies,omitempty"`
}

// CookieParam is a cookie installed before the first navigation.
type CookieParam struct {
	Name     string `yaml:"name" json:"name"`
	Value    string `yaml:"value" json:"value"`
	URL      string `yaml:"url" json:"url,omitempty"`
	Domain   string `yaml:"domain" json:"domain,omitempty"`
	Path     string `yaml:"path" json:"path,omitempty"`
	Expires  int64  `yaml:"expires" json:"expires,omitempty"`
	HTTPOnly bool   `yaml:"http_only" json:"http_only,omitempty"`
	Secure   bool   `yaml:"secure" json:"secure,omitempty"`
}

// rodPage adapts a rod page to jqgo.Page.
type rodPage struct {
	page    *rod.Page
	opts    PageOptions
	logger  *zap.Logger
	cookies sync.Once
	// release runs after Close, e.g. to drop an incognito context.
	release func()
}

func newRodPage(page *rod.Page, opts PageOptions, logger *zap.Logger) (*rodPage, error) {
	p := &rodPage{page: page, opts: opts, logger: logger}
	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			return nil, fmt.Errorf("failed to set user agent: %w", err)
		}
	}
	if len(opts.Headers) > 0 {
		pairs := make([]string, 0, len(opts.Headers)*2)
		for key, value := range opts.Headers {
			pairs = append(pairs, key, value)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return nil, fmt.Errorf("failed to set headers: %w", err)
		}
	}
	return p, nil
}

func (p *rodPage) Open(ctx context.Context, target string) error {
	var cookieErr error
	p.cookies.Do(func() {
		if len(p.opts.Cookies) == 0 {
			return
		}
		if err := p.page.SetCookies(toCookieParams(target, p.opts.Cookies)); err != nil {
			cookieErr = fmt.Errorf("failed to set cookies: %w", err)
		}
	})
	if cookieErr != nil {
		return cookieErr
	}

	if err := p.page.Context(ctx).Navigate(target); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	return nil
}

func (p *rodPage) Evaluate(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	res, err := p.page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (p *rodPage) IncludeJS(ctx context.Context, src string) error {
	return p.page.Context(ctx).AddScriptTag(src, "")
}

func (p *rodPage) SetViewport(ctx context.Context, width, height int) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
}

// Render writes a full-page PNG screenshot, or a PDF when path ends in .pdf.
func (p *rodPage) Render(ctx context.Context, path string) error {
	page := p.page.Context(ctx)

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		stream, err := page.PDF(&proto.PagePrintToPDF{PrintBackground: true})
		if err != nil {
			return fmt.Errorf("failed to print pdf: %w", err)
		}
		data, err := io.ReadAll(stream)
		if err != nil {
			return fmt.Errorf("failed to read pdf: %w", err)
		}
		return utils.OutputFile(path, data)
	}

	data, err := page.Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("failed to take screenshot: %w", err)
	}
	return utils.OutputFile(path, data)
}

func (p *rodPage) UploadFile(ctx context.Context, selector, path string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s: %w", selector, err)
	}
	return el.SetFiles([]string{path})
}

// OnEvent forwards main-frame load events and network activity until stop is called.
func (p *rodPage) OnEvent(fn func(jqgo.Event)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	page := p.page.Context(ctx)

	wait := page.EachEvent(
		func(e *proto.PageFrameStartedLoading) {
			if e.FrameID == p.page.FrameID {
				fn(jqgo.Event{Kind: jqgo.LoadStarted})
			}
		},
		func(e *proto.PageNavigatedWithinDocument) {
			if e.FrameID == p.page.FrameID {
				fn(jqgo.Event{Kind: jqgo.NavigatedWithinDocument})
			}
		},
		func(e *proto.PageLoadEventFired) {
			fn(jqgo.Event{Kind: jqgo.LoadFinished})
		},
		func(e *proto.NetworkRequestWillBeSent) {
			fn(jqgo.Event{Kind: jqgo.ResourceRequested, RequestID: string(e.RequestID)})
		},
		func(e *proto.NetworkLoadingFinished) {
			fn(jqgo.Event{Kind: jqgo.ResourceReceived, RequestID: string(e.RequestID)})
		},
		func(e *proto.NetworkLoadingFailed) {
			fn(jqgo.Event{Kind: jqgo.ResourceReceived, RequestID: string(e.RequestID)})
		},
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()

	return func() {
		cancel()
		<-done
	}
}

func (p *rodPage) Close() error {
	err := p.page.Close()
	if err != nil {
		p.logger.Debug("page close failed", zap.Error(err))
	}
	if p.release != nil {
		p.release()
		p.release = nil
	}
	return err
}

func toCookieParams(targetURL string, cookies []CookieParam) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	parsed, _ := url.Parse(targetURL)

	for _, cookie := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     cookie.Name,
			Value:    cookie.Value,
			URL:      cookie.URL,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			Secure:   cookie.Secure,
			HTTPOnly: cookie.HTTPOnly,
		}
		if cookie.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(cookie.Expires)
		}
		if param.URL == "" && param.Domain == "" && parsed != nil {
			param.URL = parsed.Scheme + "://" + parsed.Host
		}
		params = append(params, param)
	}
	return params
}
