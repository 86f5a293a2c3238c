package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// queryShim is a tiny jQuery stand-in: enough of $(selector, context), eq,
// text and attr for the evaluator to run without network access.
const queryShim = `<script>
(function () {
	function Q(nodes) {
		this.nodes = nodes;
		this.length = nodes.length;
	}
	Q.prototype.jquery = "shim";
	Q.prototype.eq = function (i) { return new Q(this.nodes[i] ? [this.nodes[i]] : []); };
	Q.prototype.text = function (v) {
		if (arguments.length) {
			this.nodes.forEach(function (n) { n.textContent = v; });
			return this;
		}
		return this.nodes.map(function (n) { return n.textContent; }).join("");
	};
	Q.prototype.attr = function (name) {
		return this.nodes.length ? this.nodes[0].getAttribute(name) : undefined;
	};
	Q.prototype.boom = function () { throw new Error("boom"); };
	window.jQuery = function (sel, ctx) {
		if (sel instanceof Q) {
			return sel;
		}
		var roots = [document];
		if (ctx instanceof Q) {
			roots = ctx.nodes;
		} else if (typeof ctx === "string") {
			roots = Array.prototype.slice.call(document.querySelectorAll(ctx));
		}
		var out = [];
		roots.forEach(function (r) {
			r.querySelectorAll(sel).forEach(function (n) {
				if (out.indexOf(n) < 0) {
					out.push(n);
				}
			});
		});
		return new Q(out);
	};
	window.jQuery.isReady = true;
})();
</script>`

const evaluatorDocument = `<!doctype html><html><head>` + queryShim + `</head><body>
<h2><a href="#1">First</a></h2><h2><a href="#2">Second</a></h2><h2><a href="#3">Third</a></h2>
<ul class="menu"><li>Home</li><li>About</li></ul>
<p id="title" data-id="7">Nodes</p>
</body></html>`

func launchTestPage(t *testing.T) *rodPage {
	t.Helper()
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no local Chromium found")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(evaluatorDocument))
	}))
	t.Cleanup(srv.Close)

	l := launcher.New().Bin(bin).Headless(true).NoSandbox(true)
	t.Cleanup(l.Cleanup)
	controlURL, err := l.Launch()
	require.NoError(t, err)

	b := rod.New().ControlURL(controlURL)
	require.NoError(t, b.Connect())
	t.Cleanup(func() { _ = b.Close() })

	page, err := b.Page(proto.TargetCreateTarget{URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, page.WaitLoad())

	p, err := newRodPage(page, PageOptions{}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func evalRequest(selector interface{}, generation int64) jqgo.EvalRequest {
	return jqgo.EvalRequest{Selector: selector, Instance: -1, Index: -1, Args: []interface{}{}, Generation: generation}
}

func roundTrip(t *testing.T, p *rodPage, req jqgo.EvalRequest) jqgo.EvalResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw, err := p.Evaluate(ctx, jqgo.EvaluatorScript, req)
	require.NoError(t, err)
	data, err := raw.MarshalJSON()
	require.NoError(t, err)
	var resp jqgo.EvalResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestEvaluatorScriptInBrowser(t *testing.T) {
	p := launchTestPage(t)

	links := roundTrip(t, p, evalRequest("h2 a", 1))
	assert.Equal(t, 0, links.Instance)
	assert.Equal(t, 3, links.Length)
	assert.JSONEq(t, "3", string(links.Value))

	t.Run("key reuse", func(t *testing.T) {
		again := roundTrip(t, p, evalRequest("h2 a", 1))
		assert.Equal(t, links.Instance, again.Instance)

		title := roundTrip(t, p, evalRequest("#title", 1))
		assert.Equal(t, 1, title.Instance)
	})

	t.Run("cached instance", func(t *testing.T) {
		req := evalRequest("h2 a", 1)
		req.Instance = links.Instance
		req.Method = "text"
		resp := roundTrip(t, p, req)
		assert.Equal(t, links.Instance, resp.Instance)
		assert.JSONEq(t, `"FirstSecondThird"`, string(resp.Value))
	})

	t.Run("eq narrowing", func(t *testing.T) {
		req := evalRequest(links.Instance, 1)
		req.Index = 1
		req.Method = "text"
		resp := roundTrip(t, p, req)
		assert.Equal(t, 3, resp.Length)
		assert.JSONEq(t, `"Second"`, string(resp.Value))
	})

	t.Run("numeric context", func(t *testing.T) {
		menu := roundTrip(t, p, evalRequest("ul.menu", 1))
		req := evalRequest("li", 1)
		req.Context = menu.Instance
		resp := roundTrip(t, p, req)
		assert.Equal(t, 2, resp.Length)

		strCtx := evalRequest("li", 1)
		strCtx.Context = "ul.menu"
		assert.Equal(t, 2, roundTrip(t, p, strCtx).Length)
	})

	t.Run("collections become false", func(t *testing.T) {
		req := evalRequest("#title", 1)
		req.Method = "text"
		req.Args = []interface{}{"Renamed"}
		resp := roundTrip(t, p, req)
		assert.JSONEq(t, "false", string(resp.Value))

		attr := evalRequest("#title", 1)
		attr.Method = "attr"
		attr.Args = []interface{}{"data-id"}
		assert.JSONEq(t, `"7"`, string(roundTrip(t, p, attr).Value))

		missing := evalRequest("#title", 1)
		missing.Method = "attr"
		missing.Args = []interface{}{"data-none"}
		v := roundTrip(t, p, missing).Value
		assert.True(t, len(v) == 0 || string(v) == "null", "undefined comes back as null, got %s", v)
	})

	t.Run("method errors", func(t *testing.T) {
		req := evalRequest("#title", 1)
		req.Method = "fadeIn"
		assert.Equal(t, "no such method: fadeIn", roundTrip(t, p, req).Error)

		req.Method = "boom"
		assert.Equal(t, "boom", roundTrip(t, p, req).Error)
	})

	t.Run("generation reset", func(t *testing.T) {
		stale := evalRequest("#title", 2)
		stale.Instance = links.Instance
		resp := roundTrip(t, p, stale)
		assert.Equal(t, 0, resp.Instance, "registry rebuilt for the new generation")
		assert.Equal(t, 1, resp.Length)
	})
}

func TestEvaluatorScriptWithoutLibrary(t *testing.T) {
	p := launchTestPage(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.Evaluate(ctx, `() => { delete window.jQuery; return true; }`)
	require.NoError(t, err)

	resp := roundTrip(t, p, evalRequest("h2 a", 1))
	assert.Equal(t, "no_library", resp.Code)
	assert.Equal(t, -1, resp.Instance)
}
