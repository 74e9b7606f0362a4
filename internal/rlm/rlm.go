package rlm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iuriikogan/rlm-sandbox/internal/client"
	"github.com/iuriikogan/rlm-sandbox/internal/env"
	"github.com/iuriikogan/rlm-sandbox/internal/observability"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
	"github.com/iuriikogan/rlm-sandbox/internal/utils"
)

// Options are the per-engine session budgets.
type Options struct {
	MaxIterations   int
	MaxFinalRetries int
	// MaxProductiveTurns, when positive, moves a session to finalizing after
	// that many successful executions as long as some variable is bound.
	MaxProductiveTurns int
	AnswerVariable     string
	ExecTimeout        time.Duration
	OutputLimit        int
	// CompletionTimeout bounds one driving model call. Zero means none.
	CompletionTimeout time.Duration
	SubModel          BridgeOptions
}

func DefaultOptions() Options {
	return Options{
		MaxIterations:   10,
		MaxFinalRetries: 3,
		AnswerVariable:  "answer",
		ExecTimeout:     env.DefaultExecTimeout,
		SubModel: BridgeOptions{
			Retries:       2,
			Concurrency:   4,
			FailureBudget: 3,
		},
	}
}

// Recorder persists finished sessions.
type Recorder interface {
	Save(ctx context.Context, res *types.SessionResult) error
}

// RLM represents the Recursive Language Model engine.
// It drives a model through a sandbox until the model names the variable
// holding its answer. An RLM is safe for concurrent Completion calls; each
// call runs its own session.
type RLM struct {
	client   client.Client
	subModel client.Client
	opts     Options
	recorder Recorder
}

// NewRLM creates an engine that uses c for both the driving model and the
// sub-model.
func NewRLM(c client.Client, maxIter int) *RLM {
	opts := DefaultOptions()
	if maxIter > 0 {
		opts.MaxIterations = maxIter
	}
	return New(c, c, opts)
}

func New(driver, sub client.Client, opts Options) *RLM {
	def := DefaultOptions()
	if opts.MaxIterations < 1 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.MaxFinalRetries < 1 {
		opts.MaxFinalRetries = def.MaxFinalRetries
	}
	if opts.AnswerVariable == "" {
		opts.AnswerVariable = def.AnswerVariable
	}
	return &RLM{client: driver, subModel: sub, opts: opts}
}

// WithRecorder returns a copy of r that saves every finished session.
func (r *RLM) WithRecorder(rec Recorder) *RLM {
	cp := *r
	cp.recorder = rec
	return &cp
}

// WithMaxIterations returns a copy of r with a different iteration budget.
func (r *RLM) WithMaxIterations(n int) *RLM {
	cp := *r
	if n > 0 {
		cp.opts.MaxIterations = n
	}
	return &cp
}

func (r *RLM) Options() Options { return r.opts }

// Completion runs one session answering query over contextText.
//
// On failure the returned result is non-nil, has status FAILED and carries
// the transcript; the error is a *types.ProtocolError with the same code.
// When ctx is cancelled during a code execution, whatever that code had
// already changed in the namespace is kept; there is no rollback.
func (r *RLM) Completion(ctx context.Context, query, contextText string) (*types.SessionResult, error) {
	start := time.Now()
	defer func() {
		observability.RlmDuration.Observe(time.Since(start).Seconds())
	}()

	if query == "" {
		query = DefaultQuery
	}
	before := r.usage()

	bridge := NewQueryBridge(r.subModel, r.opts.SubModel)
	ns, err := env.NewNamespace(contextText, bridge)
	if err != nil {
		observability.RlmErrors.Inc()
		slog.Error("Failed to create sandbox namespace", "error", err)
		return nil, err
	}
	exec := env.NewExecutor(r.opts.ExecTimeout, r.opts.OutputLimit)
	s := newSession(query, ns, bridge)
	log := slog.With("session_id", s.id)
	log.Info("Starting session", "query_len", len(query), "context_len", len(contextText), "model", r.client.ModelName())

	s.say(types.RoleSystem, systemPrompt(len(contextText), r.opts.AnswerVariable))
	s.phase = phaseIterating
	pending := nextActionPrompt(query)

	for s.phase == phaseIterating {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, s, start, before, types.WrapError(types.CodeCancelled, err))
		}
		if s.iterations >= r.opts.MaxIterations {
			if !ns.Has(ctx, r.opts.AnswerVariable) {
				return r.fail(ctx, s, start, before, types.NewError(types.CodeIterationBudgetExceeded,
					"no %q bound after %d iterations", r.opts.AnswerVariable, s.iterations))
			}
			log.Info("Iteration budget reached with answer bound; finalizing", "iterations", s.iterations)
			s.phase = phaseFinalizing
			break
		}

		resp, perr := r.turn(ctx, s, pending)
		if perr != nil {
			return r.fail(ctx, s, start, before, perr)
		}
		log.Debug("RLM Iteration", "iteration", s.iterations, "phase", s.phase.String())

		pending, perr = r.step(ctx, s, exec, resp)
		if perr != nil {
			return r.fail(ctx, s, start, before, perr)
		}
	}

	for attempt := 0; s.phase == phaseFinalizing; attempt++ {
		if attempt > r.opts.MaxFinalRetries {
			return r.fail(ctx, s, start, before, types.NewError(types.CodeMalformedTermination,
				"no valid %s directive after %d attempts", utils.TerminationKeyword, attempt))
		}
		prompt := finalizePrompt(r.opts.AnswerVariable)
		if pending != "" {
			prompt = pending + "\n\n" + prompt
		}
		resp, perr := r.turn(ctx, s, prompt)
		if perr != nil {
			return r.fail(ctx, s, start, before, perr)
		}
		s.say(types.RoleAssistant, resp)
		pending = r.terminate(ctx, s, utils.ParseFinal(resp))
	}

	return r.succeed(ctx, s, start, before)
}

// turn appends the user message and asks the driving model for the next
// assistant reply.
func (r *RLM) turn(ctx context.Context, s *session, userContent string) (string, *types.ProtocolError) {
	if err := ctx.Err(); err != nil {
		return "", types.WrapError(types.CodeCancelled, err)
	}
	s.say(types.RoleUser, userContent)

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.opts.CompletionTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.opts.CompletionTimeout)
	}
	defer cancel()

	resp, err := r.client.Completion(callCtx, s.messages())
	s.iterations++
	if err != nil {
		if ctx.Err() != nil {
			return "", types.WrapError(types.CodeCancelled, ctx.Err())
		}
		slog.Error("Client completion failed", "session_id", s.id, "error", err)
		return "", types.WrapError(types.CodeDrivingModelUnavailable, err)
	}
	return resp, nil
}

// step handles one assistant reply during ITERATING and returns the
// feedback for the next user turn. A non-nil error ends the session.
func (r *RLM) step(ctx context.Context, s *session, exec *env.Executor, resp string) (string, *types.ProtocolError) {
	ex, err := utils.ExtractCodeBlock(resp)
	if err != nil {
		s.say(types.RoleAssistant, resp)
		r.violation(s, types.CodeInvalidInvocation, err.Error())
		return invalidInvocationCorrection(err) + "\n\n" + nextActionPrompt(s.query), nil
	}

	if ex.DirectiveInCode {
		s.append(types.Turn{Role: types.RoleAssistant, Content: resp, Code: ex.Block})
		r.violation(s, types.CodeMalformedTermination, "directive inside code")
		return directiveInCodeCorrection() + "\n\n" + nextActionPrompt(s.query), nil
	}

	if ex.Block != nil {
		return r.execute(ctx, s, exec, resp, ex)
	}

	s.say(types.RoleAssistant, resp)
	if ex.DirectiveOutside {
		// A code-free directive is the model reporting it is ready.
		s.phase = phaseFinalizing
		if fb := r.terminate(ctx, s, utils.ParseFinal(resp)); fb != "" {
			s.phase = phaseIterating
			return fb + "\n\n" + nextActionPrompt(s.query), nil
		}
		return "", nil
	}

	slog.Debug("Non-productive turn", "session_id", s.id, "untagged_fences", ex.Untagged)
	return nudge(ex.Untagged) + "\n\n" + nextActionPrompt(s.query), nil
}

func (r *RLM) execute(ctx context.Context, s *session, exec *env.Executor, resp string, ex utils.Extraction) (string, *types.ProtocolError) {
	if !ex.Block.WellFormed {
		s.append(types.Turn{Role: types.RoleAssistant, Content: resp, Code: ex.Block})
		r.violation(s, types.CodeExecutionFault, "malformed code block")
		return malformedBlockCorrection(ex.Block) + "\n\n" + nextActionPrompt(s.query), nil
	}
	if ex.Ignored > 0 {
		slog.Warn("Multiple code blocks in one reply; executing the first", "session_id", s.id, "ignored", ex.Ignored)
	}

	res := exec.Execute(ctx, ex.Block.Source, s.ns)
	s.append(types.Turn{Role: types.RoleAssistant, Content: resp, Code: ex.Block, Result: &res})

	if err := ctx.Err(); err != nil {
		return "", types.WrapError(types.CodeCancelled, err)
	}
	if res.ErrorCode == types.CodeSubModelUnavailable && s.bridge.Exhausted() {
		return "", types.NewError(types.CodeSubModelUnavailable,
			"sub-model failed %d times: %s", s.bridge.Failures(), res.Error)
	}

	feedback := formatFeedback(res, ex.Ignored)
	if ex.DirectiveOutside {
		r.violation(s, types.CodeMalformedTermination, "directive in the same reply as code")
		feedback += "\n" + directiveWithCodeCorrection()
	}

	if res.Failed {
		r.violation(s, res.ErrorCode, res.Error)
		return feedback + "\n\n" + nextActionPrompt(s.query), nil
	}

	s.productive++
	if r.ready(ctx, s, res) {
		slog.Debug("Session ready to finalize", "session_id", s.id, "productive_turns", s.productive)
		s.phase = phaseFinalizing
		return feedback, nil
	}
	return feedback + "\n\n" + nextActionPrompt(s.query), nil
}

// ready decides whether ITERATING is over after a successful execution.
func (r *RLM) ready(ctx context.Context, s *session, res types.ExecutionResult) bool {
	if s.ns.Has(ctx, r.opts.AnswerVariable) {
		return true
	}
	return r.opts.MaxProductiveTurns > 0 && s.productive >= r.opts.MaxProductiveTurns && len(res.Variables) > 0
}

// terminate resolves a directive. On success the session is DONE and the
// returned feedback is empty; otherwise it is the correction to send.
func (r *RLM) terminate(ctx context.Context, s *session, req types.FinalAnswerRequest) string {
	v, err := Resolve(ctx, req, s.ns)
	if err != nil {
		r.violation(s, types.CodeMalformedTermination, err.Error())
		reason := req.Reason
		var perr *types.ProtocolError
		if req.Valid && errors.As(err, &perr) {
			reason = perr.Message
		}
		return terminationCorrection(reason)
	}
	s.answer = &v
	s.answerName = req.Name
	s.phase = phaseDone
	return ""
}

func (r *RLM) violation(s *session, code types.ErrorCode, detail string) {
	observability.ProtocolViolations.WithLabelValues(string(code)).Inc()
	slog.Warn("Protocol violation", "session_id", s.id, "code", code, "phase", s.phase.String(), "detail", detail)
}

func (r *RLM) succeed(ctx context.Context, s *session, start time.Time, before types.UsageSummary) (*types.SessionResult, error) {
	res := r.result(s, start, before)
	res.Answer = s.answer
	res.AnswerVariable = s.answerName

	observability.SessionOutcomes.WithLabelValues(string(res.Status), "").Inc()
	slog.Info("RLM finished with answer", "session_id", s.id, "iterations", s.iterations, "variable", s.answerName)
	r.record(ctx, res)
	return res, nil
}

func (r *RLM) fail(ctx context.Context, s *session, start time.Time, before types.UsageSummary, perr *types.ProtocolError) (*types.SessionResult, error) {
	s.phase = phaseFailed
	res := r.result(s, start, before)
	res.FailureCode = perr.Code
	res.FailureReason = perr.Error()

	observability.RlmErrors.Inc()
	observability.SessionOutcomes.WithLabelValues(string(res.Status), string(perr.Code)).Inc()
	slog.Warn("Session failed", "session_id", s.id, "code", perr.Code, "iterations", s.iterations, "error", perr.Error())
	r.record(ctx, res)
	return res, perr
}

func (r *RLM) result(s *session, start time.Time, before types.UsageSummary) *types.SessionResult {
	observability.RlmIterations.Observe(float64(s.iterations))
	return &types.SessionResult{
		SessionID:     s.id,
		RootModel:     r.client.ModelName(),
		Query:         s.query,
		Status:        s.phase.status(),
		Iterations:    s.iterations,
		Transcript:    s.snapshot(),
		UsageSummary:  subtract(r.usage(), before),
		ExecutionTime: time.Since(start).Seconds(),
	}
}

func (r *RLM) record(ctx context.Context, res *types.SessionResult) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Save(context.WithoutCancel(ctx), res); err != nil {
		slog.Error("Failed to record session", "session_id", res.SessionID, "error", err)
	}
}

// usage sums the driving and sub-model counters. The counters are per
// client, so sessions running concurrently on the same clients see each
// other's calls.
func (r *RLM) usage() types.UsageSummary {
	u := r.client.GetUsageSummary()
	if r.subModel != nil && r.subModel != r.client {
		sub := r.subModel.GetUsageSummary()
		u.TotalCalls += sub.TotalCalls
		u.TotalInputTokens += sub.TotalInputTokens
		u.TotalOutputTokens += sub.TotalOutputTokens
	}
	return u
}

func subtract(a, b types.UsageSummary) types.UsageSummary {
	return types.UsageSummary{
		TotalCalls:        a.TotalCalls - b.TotalCalls,
		TotalInputTokens:  a.TotalInputTokens - b.TotalInputTokens,
		TotalOutputTokens: a.TotalOutputTokens - b.TotalOutputTokens,
	}
}
