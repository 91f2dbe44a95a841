package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/karthikkolli/webprobe-sub001/internal/actions"
	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

// maxBatchSteps bounds one batch request.
const maxBatchSteps = 100

// BatchStep is one command of a batch. Command takes the daemon's command
// names; Params is that command's parameters without a target or url.
type BatchStep struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BatchRequest runs Steps in order in one tab, loading URL first under the
// usual reuse policy.
type BatchRequest struct {
	Target
	URL         string      `json:"url,omitempty"`
	Steps       []BatchStep `json:"steps"`
	StopOnError bool        `json:"stop_on_error,omitempty"`
}

// BatchStepResult is the outcome of one step. Error and Kind are set when
// it failed.
type BatchStepResult struct {
	Command string          `json:"command"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

type BatchResult struct {
	TabID     string            `json:"tab_id"`
	Results   []BatchStepResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

type stepFunc func(context.Context, *tabs.Page) (any, error)

func bindStep[P any](raw json.RawMessage, fn func(context.Context, *tabs.Page, P) (any, error)) (stepFunc, error) {
	var params P
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
	}
	return func(ctx context.Context, p *tabs.Page) (any, error) {
		return fn(ctx, p, params)
	}, nil
}

func (s *Service) bindStep(st BatchStep) (stepFunc, error) {
	switch st.Command {
	case "inspect":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.InspectParams) (any, error) {
			if params.Browser == "" {
				params.Browser = s.backend
			}
			return actions.Inspect(ctx, p, params)
		})
	case "click":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.ClickParams) (any, error) {
			if err := s.requireNonEmpty(params.Selector, "selector"); err != nil {
				return nil, err
			}
			return actions.Click(ctx, p, params)
		})
	case "type":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.TypeParams) (any, error) {
			if err := s.requireNonEmpty(params.Selector, "selector"); err != nil {
				return nil, err
			}
			return actions.Type(ctx, p, params)
		})
	case "scroll":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.ScrollParams) (any, error) {
			return actions.Scroll(ctx, p, params)
		})
	case "eval":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.EvalParams) (any, error) {
			out, err := actions.Eval(ctx, p, params)
			return EvalResult{Result: out}, err
		})
	case "screenshot":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.ScreenshotParams) (any, error) {
			data, format, err := actions.Screenshot(ctx, p, params)
			return ScreenshotResult{Format: format, Data: data}, err
		})
	case "wait_idle":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.WaitIdleParams) (any, error) {
			return actions.WaitIdle(ctx, p, params)
		})
	case "wait_navigation":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.WaitNavigationParams) (any, error) {
			return actions.WaitNavigation(ctx, p, params)
		})
	case "console":
		return bindStep(st.Params, func(ctx context.Context, p *tabs.Page, params actions.ConsoleParams) (any, error) {
			return actions.Console(ctx, p, params)
		})
	default:
		return nil, fmt.Errorf("unknown command %q", st.Command)
	}
}

// Batch runs several commands back to back in one tab without letting
// another request in between. Every step is checked before the first runs.
// A failed step is reported in its result; the batch goes on unless
// StopOnError is set.
func (s *Service) Batch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if len(req.Steps) == 0 {
		return BatchResult{}, browser.Validation("batch needs at least one step")
	}
	if len(req.Steps) > maxBatchSteps {
		return BatchResult{}, browser.Validation(fmt.Sprintf("batch has %d steps; the limit is %d", len(req.Steps), maxBatchSteps))
	}
	steps := make([]stepFunc, len(req.Steps))
	captureConsole := false
	for i, st := range req.Steps {
		fn, err := s.bindStep(st)
		if err != nil {
			return BatchResult{}, browser.Validation(fmt.Sprintf("step %d: %v", i+1, err))
		}
		steps[i] = fn
		captureConsole = captureConsole || st.Command == "console"
	}

	res := BatchResult{Results: make([]BatchStepResult, 0, len(steps))}
	id, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		if captureConsole {
			if _, err := actions.StartConsoleCapture(ctx, p); err != nil {
				slog.Debug("console capture not started", "tab_id", p.ID(), "error", err)
			}
		}
		for i, run := range steps {
			r := BatchStepResult{Command: req.Steps[i].Command}
			out, err := run(ctx, p)
			if err == nil {
				r.Result, err = json.Marshal(out)
			}
			if err != nil {
				r.Error = err.Error()
				r.Kind = browser.CodeOf(err)
				res.Failed++
				res.Results = append(res.Results, r)
				if req.StopOnError {
					slog.Info("batch stopped at failed step", "tab_id", p.ID(), "step", i+1, "command", r.Command)
					break
				}
				continue
			}
			res.Succeeded++
			res.Results = append(res.Results, r)
		}
		return nil
	})
	res.TabID = id
	return res, err
}
