// Package conversation drives the multi-turn tool cycle: send the request,
// detect tool_use blocks in the response, execute them, feed the results
// back, and repeat until the model stops calling tools or the iteration
// ceiling forces termination.
package conversation

import (
	"context"
	"log/slog"

	"github.com/modelrelay/modelrelay/internal/tools"
	"github.com/modelrelay/modelrelay/internal/wire"
)

// Caller performs one provider round trip for the given request.
type Caller interface {
	Complete(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// Executor runs one turn's tool calls and returns one result per call in
// request order.
type Executor interface {
	Execute(ctx context.Context, toolUses []wire.ContentBlock) []tools.Result
}

// State is the working set of one loop invocation. It is owned exclusively
// by that invocation and discarded when the loop returns.
type State struct {
	Messages  []wire.Message
	Turns     int
	ToolCalls int
	Usage     wire.Usage
}

// Loop owns the continuation cycle for one request.
type Loop struct {
	caller        Caller
	executor      Executor
	maxIterations int
	logger        *slog.Logger
}

func NewLoop(caller Caller, executor Executor, maxIterations int, logger *slog.Logger) *Loop {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &Loop{
		caller:        caller,
		executor:      executor,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// Run executes the conversation until the model produces a turn without
// tool calls, the iteration ceiling is reached, or a provider call fails.
//
// The returned response carries usage accumulated across every provider
// round trip. When the ceiling cuts the conversation short, the response's
// stop reason is the truncation marker and its content is the last model
// turn. A provider failure returns only the error; partial state is
// discarded.
func (l *Loop) Run(ctx context.Context, req *wire.Request) (*wire.Response, *State, error) {
	state := &State{
		Messages: append([]wire.Message(nil), req.Messages...),
	}

	for {
		state.Turns++

		turnReq := *req
		turnReq.Messages = state.Messages

		resp, err := l.caller.Complete(ctx, &turnReq)
		if err != nil {
			return nil, nil, err
		}

		state.Usage.InputTokens += resp.Usage.InputTokens
		state.Usage.OutputTokens += resp.Usage.OutputTokens

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			resp.Usage = state.Usage
			return resp, state, nil
		}

		if state.Turns >= l.maxIterations {
			l.logger.Warn("Conversation hit iteration ceiling",
				"turns", state.Turns,
				"pending_tool_calls", len(toolUses),
			)
			truncated := wire.StopMaxIterations
			resp.StopReason = &truncated
			resp.Usage = state.Usage
			return resp, state, nil
		}

		results := l.executor.Execute(ctx, toolUses)
		state.ToolCalls += len(results)

		resultBlocks := make([]wire.ContentBlock, 0, len(results))
		for _, result := range results {
			resultBlocks = append(resultBlocks, result.Block())
		}

		state.Messages = append(state.Messages,
			wire.Message{Role: wire.RoleAssistant, Content: resp.Content},
			wire.Message{Role: wire.RoleUser, Content: resultBlocks},
		)

		l.logger.Debug("Continuing conversation after tool turn",
			"turn", state.Turns,
			"tool_calls", len(results),
		)
	}
}
