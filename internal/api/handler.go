package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/queue"
	"github.com/ahrdadan/jqgo/internal/scenario"
	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

const (
	// DefaultRunTimeout bounds synchronous runs without a timeout.
	DefaultRunTimeout = 60 * time.Second
	// MaxRunTimeout is the largest accepted synchronous timeout.
	MaxRunTimeout = 5 * time.Minute
)

// BrowserStatus reports the state of the browser engine.
type BrowserStatus interface {
	Name() string
	IsRunning() bool
	GetEndpoint() string
}

// Handler serves the synchronous browser endpoints.
type Handler struct {
	browser    BrowserStatus
	newSession queue.SessionFactory
	base       jqgo.Config
	logger     *zap.Logger
}

// NewHandler creates a handler opening one session per request.
func NewHandler(browser BrowserStatus, factory queue.SessionFactory, base jqgo.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		browser:    browser,
		newSession: factory,
		base:       base,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// BrowserStatus returns browser status
func (h *Handler) BrowserStatus(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"engine":   h.browser.Name(),
			"running":  h.browser.IsRunning(),
			"endpoint": h.browser.GetEndpoint(),
		},
	})
}

// RunRequest runs a scenario synchronously.
type RunRequest struct {
	Scenario scenario.Scenario `json:"scenario"`
	Timeout  int               `json:"timeout"` // seconds
}

// RunScenario runs a scenario and returns its result.
// POST /jqgo/run
func (h *Handler) RunScenario(c *fiber.Ctx) error {
	var req RunRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := req.Scenario.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return h.respond(c, &req.Scenario, req.Timeout, func(res *scenario.Result) interface{} {
		return res
	})
}

// QueryRequest visits a page and calls one method on a selection.
type QueryRequest struct {
	Site     string        `json:"site,omitempty"`
	Path     string        `json:"path"`
	Selector string        `json:"selector"`
	Context  string        `json:"context,omitempty"`
	Index    *int          `json:"index,omitempty"`
	Method   string        `json:"method,omitempty"` // defaults to text
	Args     []interface{} `json:"args,omitempty"`
	Timeout  int           `json:"timeout,omitempty"`
}

func (q QueryRequest) visit() scenario.Step {
	return scenario.Step{Action: scenario.ActionVisit, Path: q.Path}
}

func (q QueryRequest) step(action string) scenario.Step {
	return scenario.Step{
		Action:   action,
		Selector: q.Selector,
		Context:  q.Context,
		Index:    q.Index,
		Method:   q.Method,
		Args:     q.Args,
		Save:     "value",
	}
}

// Query returns the result of one selection method.
// POST /jqgo/query
func (h *Handler) Query(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	action := scenario.ActionInvoke
	if req.Method == "" {
		action = scenario.ActionText
	}
	sc := &scenario.Scenario{Name: "query", Site: req.Site, Steps: []scenario.Step{req.visit(), req.step(action)}}
	if err := sc.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return h.respond(c, sc, req.Timeout, func(res *scenario.Result) interface{} {
		return fiber.Map{"value": res.Values["value"]}
	})
}

// Each returns a method's result for every matched element.
// POST /jqgo/each
func (h *Handler) Each(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	sc := &scenario.Scenario{Name: "each", Site: req.Site, Steps: []scenario.Step{req.visit(), req.step(scenario.ActionEach)}}
	if err := sc.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return h.respond(c, sc, req.Timeout, func(res *scenario.Result) interface{} {
		return fiber.Map{"values": res.Values["value"]}
	})
}

// CaptureRequest visits a page and renders it.
type CaptureRequest struct {
	Site    string `json:"site,omitempty"`
	Path    string `json:"path"`
	Format  string `json:"format,omitempty"` // png or pdf
	Timeout int    `json:"timeout,omitempty"`
}

// Capture returns a base64 encoded screenshot or PDF of a page.
// POST /jqgo/capture
func (h *Handler) Capture(c *fiber.Ctx) error {
	var req CaptureRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Format == "" {
		req.Format = "png"
	}
	if req.Format != "png" && req.Format != "pdf" {
		return fiber.NewError(fiber.StatusBadRequest, "format must be png or pdf")
	}

	dir, err := os.MkdirTemp("", "jqgo-capture-")
	if err != nil {
		return fmt.Errorf("failed to create capture dir: %w", err)
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "capture."+req.Format)

	sc := &scenario.Scenario{Name: "capture", Site: req.Site, Steps: []scenario.Step{
		{Action: scenario.ActionVisit, Path: req.Path},
		{Action: scenario.ActionCapture, Path: out},
	}}
	if err := sc.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return h.respond(c, sc, req.Timeout, func(*scenario.Result) interface{} {
		data, err := os.ReadFile(out)
		if err != nil {
			return fiber.Map{"format": req.Format, "error": err.Error()}
		}
		return fiber.Map{
			"format": req.Format,
			"data":   base64.StdEncoding.EncodeToString(data),
		}
	})
}

// respond runs sc and writes view(result). A failed run answers 422 with the
// partial result.
func (h *Handler) respond(c *fiber.Ctx, sc *scenario.Scenario, timeout int, view func(*scenario.Result) interface{}) error {
	d := DefaultRunTimeout
	if timeout > 0 {
		d = time.Duration(timeout) * time.Second
	}
	if d > MaxRunTimeout {
		d = MaxRunTimeout
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), d)
	defer cancel()

	res, err := h.run(ctx, sc)
	if err != nil {
		h.logger.Info("scenario failed", zap.String("scenario", sc.Name), zap.Error(err))
		if res == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(Response{Success: false, Error: err.Error()})
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(Response{Success: false, Error: err.Error(), Data: res})
	}
	return c.JSON(Response{Success: true, Data: view(res)})
}

func (h *Handler) run(ctx context.Context, sc *scenario.Scenario) (*scenario.Result, error) {
	sess, err := h.newSession(ctx, sc.SessionConfig(h.base))
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			h.logger.Warn("failed to close session", zap.Error(err))
		}
	}()
	return scenario.NewRunner(h.logger).Run(ctx, sess, sc)
}
