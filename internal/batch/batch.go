// Package batch fans independent requests through the full request
// pipeline with bounded parallelism and per-item error isolation.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/modelrelay/modelrelay/internal/wire"
)

// Runner executes one item through the complete pipeline.
type Runner interface {
	Run(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// Item is one independent conversation in a batch.
type Item struct {
	CustomID string       `json:"custom_id"`
	Params   wire.Request `json:"params"`
}

// Result is the outcome of one item. Exactly one of Response and Error is
// set. Results keep the input order of their items.
type Result struct {
	CustomID string              `json:"custom_id"`
	Response *wire.Response      `json:"response,omitempty"`
	Error    *wire.ErrorEnvelope `json:"error,omitempty"`
}

func (r Result) Succeeded() bool {
	return r.Error == nil
}

// Coordinator runs batches. Parallelism is bounded so a large batch cannot
// stampede the upstream providers.
type Coordinator struct {
	runner      Runner
	parallelism int
	logger      *slog.Logger
}

func NewCoordinator(runner Runner, parallelism int, logger *slog.Logger) *Coordinator {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Coordinator{
		runner:      runner,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Run executes every item and returns one result per item in input order.
// A failing item produces an error result; it never aborts its siblings,
// and Run itself never returns an error for item-level failures.
func (c *Coordinator) Run(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))
	limiter := semaphore.NewWeighted(int64(c.parallelism))

	for i := range items {
		if err := limiter.Acquire(ctx, 1); err != nil {
			// Cancelled mid-batch; the remaining items become error results.
			for j := i; j < len(items); j++ {
				results[j] = c.errorResult(items[j].CustomID, err)
			}
			break
		}

		go func(i int) {
			defer limiter.Release(1)
			results[i] = c.runOne(ctx, items[i])
		}(i)
	}

	// Draining the full weight waits for every in-flight item.
	if err := limiter.Acquire(context.Background(), int64(c.parallelism)); err == nil {
		limiter.Release(int64(c.parallelism))
	}

	return results
}

func (c *Coordinator) runOne(ctx context.Context, item Item) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("Batch item panicked",
				"custom_id", item.CustomID,
				"panic", recovered,
			)
			result = c.errorResult(item.CustomID, fmt.Errorf("item failed"))
		}
	}()

	resp, err := c.runner.Run(ctx, &item.Params)
	if err != nil {
		c.logger.Warn("Batch item failed",
			"custom_id", item.CustomID,
			"error", err,
		)
		return c.errorResult(item.CustomID, err)
	}

	return Result{CustomID: item.CustomID, Response: resp}
}

func (c *Coordinator) errorResult(customID string, err error) Result {
	envelope := wire.EnvelopeFor(err)
	return Result{CustomID: customID, Error: &envelope}
}
