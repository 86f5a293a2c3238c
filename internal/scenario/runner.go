package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// Result is the outcome of a scenario run.
type Result struct {
	Name     string                 `json:"name"`
	Values   map[string]interface{} `json:"values"`
	Steps    []StepResult           `json:"steps"`
	Duration time.Duration          `json:"duration"`
}

// StepResult reports one executed step.
type StepResult struct {
	Index    int           `json:"index"`
	Action   string        `json:"action"`
	Selector string        `json:"selector,omitempty"`
	Value    interface{}   `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Runner executes scenarios.
type Runner struct {
	logger *zap.Logger
	onStep func(total int, res StepResult)
}

// NewRunner creates a runner. A nil logger disables logging.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// OnStep registers fn to be called after every step.
func (r *Runner) OnStep(fn func(total int, res StepResult)) *Runner {
	r.onStep = fn
	return r
}

// Run executes sc on sess and stops at the first failing step. The partial
// result is returned along with the error.
func (r *Runner) Run(ctx context.Context, sess *jqgo.Session, sc *Scenario) (*Result, error) {
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sc.Timeout))
		defer cancel()
	}

	start := time.Now()
	res := &Result{Name: sc.Name, Values: map[string]interface{}{}}
	defer func() { res.Duration = time.Since(start) }()

	for i, step := range sc.Steps {
		stepStart := time.Now()
		value, err := r.step(ctx, sess, step)

		sr := StepResult{
			Index:    i,
			Action:   step.Action,
			Selector: step.Selector,
			Value:    value,
			Duration: time.Since(stepStart),
		}
		if err != nil {
			sr.Error = err.Error()
		}
		res.Steps = append(res.Steps, sr)
		if r.onStep != nil {
			r.onStep(len(sc.Steps), sr)
		}

		if err != nil {
			r.logger.Warn("scenario step failed",
				zap.String("scenario", sc.Name),
				zap.Int("step", i),
				zap.String("action", step.Action),
				zap.Error(err))
			return res, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
		if step.Save != "" {
			res.Values[step.Save] = value
		}
		r.logger.Debug("scenario step",
			zap.String("scenario", sc.Name),
			zap.Int("step", i),
			zap.String("action", step.Action),
			zap.Duration("elapsed", sr.Duration))
	}
	return res, nil
}

func (r *Runner) step(ctx context.Context, sess *jqgo.Session, st Step) (interface{}, error) {
	def := sess.Config().NavigationTimeout

	switch st.Action {
	case ActionVisit:
		return nil, sess.VisitWithin(ctx, st.Path, st.timeout(def))
	case ActionWaitForPage:
		return nil, sess.WaitForPageWithin(ctx, st.timeout(def))
	case ActionWaitForElement:
		return nil, sess.WaitForElementWithin(ctx, st.Selector, st.timeout(def))
	case ActionCapture:
		return nil, sess.Capture(ctx, st.Path)
	case ActionUpload:
		return nil, sess.UploadFile(ctx, st.Selector, st.Path)
	case ActionClick:
		return nil, selection(sess, st).Click(ctx)
	case ActionText:
		return selection(sess, st).Text(ctx)
	case ActionVal:
		sel := selection(sess, st)
		if st.Value != nil {
			return nil, sel.SetVal(ctx, *st.Value)
		}
		return sel.Val(ctx)
	case ActionInvoke:
		v, err := selection(sess, st).Invoke(ctx, st.Method, st.Args...)
		return jsonValue(v), err
	case ActionEach:
		return each(ctx, sess, st)
	}
	return nil, fmt.Errorf("unknown action %q", st.Action)
}

func selection(sess *jqgo.Session, st Step) *jqgo.Selection {
	sel := sess.Query(st.Selector)
	if st.Context != "" {
		sel = sess.QueryContext(st.Selector, st.Context)
	}
	if st.Index != nil {
		sel = sel.Eq(*st.Index)
	}
	return sel
}

// each collects method's result for every matched element. Method defaults to text.
func each(ctx context.Context, sess *jqgo.Session, st Step) (interface{}, error) {
	method := st.Method
	if method == "" {
		method = "text"
	}
	values := []interface{}{}
	_, err := selection(sess, st).Each(ctx, func(_ int, el *jqgo.Selection) error {
		v, err := el.Invoke(ctx, method, st.Args...)
		if err != nil {
			return err
		}
		values = append(values, jsonValue(v))
		return nil
	})
	return values, err
}

// jsonValue converts a page value to plain JSON types, numbers as float64.
func jsonValue(v gson.JSON) interface{} {
	if v.Nil() {
		return nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
