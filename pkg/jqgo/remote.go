package jqgo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// EvaluatorScript resolves a query against the in-page handle registry and
// optionally invokes a method on it, all in one round trip.
//
// The registry lives on window.__jqgo and is discarded whenever the request
// carries a different generation than the one that built it. Handles are also
// indexed by their (selector, context) key so a repeated query refreshes its
// existing slot instead of growing the registry.
const EvaluatorScript = `(req) => {
	const $ = window.jQuery;
	if (!$) {
		return { instance: -1, length: -1, code: "no_library", error: "query library not loaded" };
	}
	let reg = window.__jqgo;
	if (!reg || reg.generation !== req.generation) {
		reg = window.__jqgo = { generation: req.generation, handles: [], keys: {} };
	}
	const live = (ref) => {
		if (typeof ref === "number" && ref >= 0 && ref < reg.handles.length) {
			return reg.handles[ref];
		}
		return ref;
	};

	let instance = req.instance;
	let obj = instance >= 0 && instance < reg.handles.length ? reg.handles[instance] : null;
	if (!obj) {
		const key = JSON.stringify([req.selector, req.context]);
		const context = req.context === null || req.context === undefined ? undefined : live(req.context);
		obj = $(live(req.selector), context);
		if (Object.prototype.hasOwnProperty.call(reg.keys, key)) {
			instance = reg.keys[key];
			reg.handles[instance] = obj;
		} else {
			instance = reg.handles.push(obj) - 1;
			reg.keys[key] = instance;
		}
	}

	const target = req.index >= 0 ? obj.eq(req.index) : obj;
	let value = obj.length;
	if (req.method) {
		if (typeof target[req.method] !== "function") {
			return { instance: instance, length: obj.length, error: "no such method: " + req.method };
		}
		const args = req.args || [];
		try {
			value = args.length > 0 ? target[req.method].apply(target, args) : target[req.method]();
		} catch (e) {
			return { instance: instance, length: obj.length, error: String((e && e.message) || e) };
		}
	}
	if (value && value.jquery) {
		value = false;
	}
	if (value === undefined) {
		value = null;
	}
	return { instance: instance, length: obj.length, value: value };
}`

// ReadyScript reports the in-page readiness flag.
const ReadyScript = `() => {
	if (window.jQuery) {
		return !!window.jQuery.isReady;
	}
	return document.readyState === "complete";
}`

// VisibleScript reports whether selector matches at least one visible element.
const VisibleScript = `(selector) => {
	const $ = window.jQuery;
	if ($) {
		const found = $(selector);
		return found.length > 0 && found.is(":visible");
	}
	const el = document.querySelector(selector);
	return !!el && !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
}`

// EvalRequest is the argument passed to EvaluatorScript.
type EvalRequest struct {
	// Selector is a selector string or the instance id of another handle.
	Selector interface{} `json:"selector"`
	// Context is nil, a selector string or the instance id of another handle.
	Context    interface{}   `json:"context"`
	Instance   int           `json:"instance"`
	Index      int           `json:"index"`
	Method     string        `json:"method"`
	Args       []interface{} `json:"args"`
	Generation int64         `json:"generation"`
}

// EvalResponse is what EvaluatorScript returns.
type EvalResponse struct {
	Instance int             `json:"instance"`
	Length   int             `json:"length"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    string          `json:"error,omitempty"`
	Code     string          `json:"code,omitempty"`
}

// evaluate runs one protocol round trip on the current page.
func (s *Session) evaluate(ctx context.Context, req EvalRequest) (EvalResponse, error) {
	var resp EvalResponse

	page, err := s.Page(ctx)
	if err != nil {
		return resp, err
	}
	if req.Args == nil {
		req.Args = []interface{}{}
	}

	start := time.Now()
	raw, err := page.Evaluate(ctx, EvaluatorScript, req)
	observeEvaluation(req.Method, time.Since(start), err)
	if err != nil {
		return resp, fmt.Errorf("failed to evaluate %s: %w", methodLabel(req.Method), err)
	}

	data, err := raw.MarshalJSON()
	if err != nil {
		return resp, fmt.Errorf("failed to encode evaluation result: %w", err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("failed to decode evaluation result: %w", err)
	}

	s.logger.Debug("evaluated",
		zap.String("method", methodLabel(req.Method)),
		zap.Any("selector", req.Selector),
		zap.Int("instance", resp.Instance),
		zap.Int("length", resp.Length),
		zap.Int64("generation", req.Generation))
	return resp, nil
}

// value converts the raw response value into a gson value.
func (r EvalResponse) value() gson.JSON {
	if len(r.Value) == 0 {
		return gson.New(nil)
	}
	return gson.NewFrom(string(r.Value))
}

// pageReady evaluates the in-page readiness flag.
func (s *Session) pageReady(ctx context.Context, page Page) (bool, error) {
	v, err := page.Evaluate(ctx, ReadyScript)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// elementVisible evaluates whether selector has a visible match.
func (s *Session) elementVisible(ctx context.Context, page Page, selector string) (bool, error) {
	v, err := page.Evaluate(ctx, VisibleScript, selector)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func methodLabel(method string) string {
	if method == "" {
		return "resolve"
	}
	return method
}
