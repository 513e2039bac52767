package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/modelrelay/internal/wire"
)

// Coordinator runs the tool calls from one model turn. Independent calls
// execute concurrently; results come back in the order the model requested
// them. Every failure mode (unknown tool, bad arguments, policy rejection,
// timeout, handler error) becomes an error result fed back to the model,
// never a hard failure.
type Coordinator struct {
	registry *Registry
	policy   *Policy
	logger   *slog.Logger
}

func NewCoordinator(registry *Registry, policy *Policy, logger *slog.Logger) *Coordinator {
	return &Coordinator{registry: registry, policy: policy, logger: logger}
}

// Definitions lists the registered tool set in wire form.
func (c *Coordinator) Definitions() []wire.ToolDefinition {
	list := c.registry.List()
	defs := make([]wire.ToolDefinition, 0, len(list))
	for _, tool := range list {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// Execute runs every tool_use block and returns one result per block, in
// request order regardless of completion order.
func (c *Coordinator) Execute(ctx context.Context, toolUses []wire.ContentBlock) []Result {
	results := make([]Result, len(toolUses))

	var group errgroup.Group
	for i, block := range toolUses {
		group.Go(func() error {
			results[i] = c.runOne(ctx, block)
			return nil
		})
	}
	group.Wait()

	return results
}

func (c *Coordinator) runOne(ctx context.Context, block wire.ContentBlock) Result {
	started := time.Now()

	tool, ok := c.registry.Get(block.Name)
	if !ok {
		return errorResult(block.ID, fmt.Sprintf("tool %q is not available", block.Name))
	}

	if err := ValidateInput(block.Input, tool.InputSchema); err != nil {
		return errorResult(block.ID, fmt.Sprintf("invalid arguments for %s: %v", block.Name, err))
	}

	if err := c.policy.Wait(ctx, tool.Category); err != nil {
		return errorResult(block.ID, fmt.Sprintf("rate limit wait aborted: %v", err))
	}

	input, err := json.Marshal(block.Input)
	if err != nil {
		return errorResult(block.ID, fmt.Sprintf("encode arguments for %s: %v", block.Name, err))
	}

	execCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout(tool.Category))
	defer cancel()

	output, err := tool.Handler(execCtx, input)

	c.logger.Debug("Tool executed",
		"tool", block.Name,
		"category", tool.Category,
		"duration", time.Since(started),
		"error", err != nil,
	)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return errorResult(block.ID, fmt.Sprintf("%s timed out after %s", block.Name, c.policy.Timeout(tool.Category)))
		}
		return errorResult(block.ID, fmt.Sprintf("%s failed: %v", block.Name, err))
	}

	return Result{ToolUseID: block.ID, Content: output}
}

func errorResult(toolUseID, message string) Result {
	return Result{ToolUseID: toolUseID, Content: message, IsError: true}
}
