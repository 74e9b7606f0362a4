package rlm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/iuriikogan/rlm-sandbox/internal/client"
	"github.com/iuriikogan/rlm-sandbox/internal/observability"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

// BridgeOptions tunes how sandbox code reaches the sub-model.
type BridgeOptions struct {
	// Timeout bounds a single attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transient failure.
	Retries uint64
	Backoff time.Duration
	// Concurrency caps in-flight prompts of one batched query.
	Concurrency int
	// FailureBudget is how many failed queries a session tolerates before
	// the failure escalates to the session.
	FailureBudget int
}

// QueryBridge exposes a sub-model to the sandbox as llm_query and
// llm_query_batched. Each query is independent; nothing is cached.
type QueryBridge struct {
	client client.Client
	opts   BridgeOptions

	mu       sync.Mutex
	failures int
}

func NewQueryBridge(c client.Client, opts BridgeOptions) *QueryBridge {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &QueryBridge{client: c, opts: opts}
}

func (b *QueryBridge) ModelName() string {
	if b.client == nil {
		return ""
	}
	return b.client.ModelName()
}

// Query sends one prompt, retrying transient failures. A failure that
// survives the retries is returned as SubModelUnavailable.
func (b *QueryBridge) Query(ctx context.Context, prompt string) (string, error) {
	if b.client == nil {
		return "", types.NewError(types.CodeSubModelUnavailable, "no sub-model is configured")
	}
	model := b.client.ModelName()

	var out string
	backoff := retry.WithMaxRetries(b.opts.Retries, retry.NewExponential(b.opts.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := b.attemptContext(ctx)
		defer cancel()

		resp, err := b.client.Completion(callCtx, []types.Message{{Role: types.RoleUser, Content: prompt}})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Debug("Sub-model attempt failed", "model", model, "error", err)
			return retry.RetryableError(err)
		}
		out = resp
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			b.mu.Lock()
			b.failures++
			b.mu.Unlock()
		}
		observability.SubModelCalls.WithLabelValues(model, "error").Inc()
		return "", types.WrapError(types.CodeSubModelUnavailable, err)
	}
	observability.SubModelCalls.WithLabelValues(model, "ok").Inc()
	return out, nil
}

// QueryBatched runs the prompts concurrently and returns the responses in
// input order. The first failure cancels the rest.
func (b *QueryBridge) QueryBatched(ctx context.Context, prompts []string) ([]string, error) {
	out := make([]string, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)
	for i, p := range prompts {
		g.Go(func() error {
			resp, err := b.Query(gctx, p)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Failures is the number of queries that failed after retries.
func (b *QueryBridge) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Exhausted reports whether failures went beyond the budget.
func (b *QueryBridge) Exhausted() bool {
	return b.Failures() > b.opts.FailureBudget
}

func (b *QueryBridge) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.Timeout > 0 {
		return context.WithTimeout(ctx, b.opts.Timeout)
	}
	return context.WithCancel(ctx)
}
