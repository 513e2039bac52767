// Package handlers implements the public HTTP surface: the Messages
// endpoint (non-streaming and SSE), the batch endpoint, and health.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/conversation"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/tools"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/internal/wire"
)

// Pipeline runs one request through validation, routing, translation, the
// cache, the provider call, and the tool conversation. It is shared by the
// Messages handler and the batch coordinator.
type Pipeline struct {
	config   *config.Manager
	registry *providers.Registry
	client   *upstream.Client
	cache    *cache.Cache
	executor *tools.Coordinator
	logger   *slog.Logger
}

func NewPipeline(
	configManager *config.Manager,
	registry *providers.Registry,
	client *upstream.Client,
	responseCache *cache.Cache,
	executor *tools.Coordinator,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		config:   configManager,
		registry: registry,
		client:   client,
		cache:    responseCache,
		executor: executor,
		logger:   logger,
	}
}

// route holds everything resolved for one request: the upstream account,
// its dialect implementation, and the concrete model.
type route struct {
	providerConfig *config.Provider
	provider       providers.Provider
	model          string
}

// Run executes the full non-streaming pipeline.
func (p *Pipeline) Run(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	cfg := p.config.Get()

	if err := wire.ValidateRequest(req); err != nil {
		return nil, err
	}

	resolved, err := p.resolve(cfg, req)
	if err != nil {
		return nil, err
	}

	caller := &providerCaller{pipeline: p, route: resolved}

	resp, err := p.converse(ctx, cfg, caller, req)
	if err != nil {
		return nil, err
	}

	// The public response names the model the caller asked for, not the
	// provider-side identifier it was routed to.
	resp.Model = req.Model
	return resp, nil
}

// converse runs the tool conversation when local tools are engaged, or a
// single provider round trip otherwise. Local tools engage only for
// requests that declare no tools of their own; a request carrying client
// tools gets its tool_use blocks returned for client-side execution.
func (p *Pipeline) converse(ctx context.Context, cfg *config.Config, caller conversation.Caller, req *wire.Request) (*wire.Response, error) {
	if cfg.Tools.Enabled && p.executor != nil && len(req.Tools) == 0 {
		loopReq := *req
		loopReq.Tools = p.executor.Definitions()

		loop := conversation.NewLoop(caller, p.executor, cfg.MaxIterations(), p.logger)
		resp, state, err := loop.Run(ctx, &loopReq)
		if err != nil {
			return nil, err
		}

		p.logger.Info("Conversation completed",
			"turns", state.Turns,
			"tool_calls", state.ToolCalls,
			"input_tokens", state.Usage.InputTokens,
			"output_tokens", state.Usage.OutputTokens,
		)
		return resp, nil
	}

	return caller.Complete(ctx, req)
}

// resolve maps the requested model to an upstream and checks that the
// request's content is representable there.
func (p *Pipeline) resolve(cfg *config.Config, req *wire.Request) (*route, error) {
	inputTokens := p.countInputTokens(req)

	resolution, err := router.New(cfg).ResolveForTokens(req.Model, inputTokens)
	if err != nil {
		return nil, err
	}

	providerConfig, ok := cfg.FindProvider(resolution.Provider)
	if !ok {
		return nil, &wire.UnknownModelError{Model: req.Model}
	}

	provider, err := p.registry.ForConfig(providerConfig)
	if err != nil {
		return nil, err
	}

	if hasImageContent(req.Messages) && !(providerConfig.Vision && provider.SupportsVision()) {
		return nil, &wire.CapabilityMismatchError{
			Provider:   providerConfig.Name,
			Capability: "image input",
		}
	}

	return &route{
		providerConfig: providerConfig,
		provider:       provider,
		model:          resolution.Model,
	}, nil
}

// countInputTokens estimates the request size for long-context routing.
// The estimate does not have to be exact; it only has to cross the
// threshold when the real input would.
func (p *Pipeline) countInputTokens(req *wire.Request) int {
	body, err := json.Marshal(req.Messages)
	if err != nil {
		return 0
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		p.logger.Error("Failed to load token encoding", "error", err)
		return 0
	}
	return len(encoding.Encode(string(body), nil, nil))
}

func hasImageContent(messages []wire.Message) bool {
	for _, message := range messages {
		for _, block := range message.Content {
			if block.Type == wire.BlockImage {
				return true
			}
		}
	}
	return false
}

// providerCaller performs one translated, cached provider round trip.
type providerCaller struct {
	pipeline *Pipeline
	route    *route
}

func (c *providerCaller) Complete(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	p := c.pipeline

	bound := *req
	bound.Model = c.route.model
	bound.Stream = false

	body, err := json.Marshal(&bound)
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}

	providerBody, err := c.route.provider.TransformRequest(body)
	if err != nil {
		return nil, err
	}

	compute := func(ctx context.Context) ([]byte, error) {
		result, err := p.client.Call(ctx, c.route.providerConfig, c.route.provider, providerBody)
		if err != nil {
			return nil, err
		}
		return result.Body, nil
	}

	var raw []byte
	key, err := cache.Fingerprint(c.route.providerConfig.Name, providerBody)
	if err != nil {
		// Unfingerprintable requests bypass the cache.
		p.logger.Warn("Cache bypass", "error", err)
		raw, err = compute(ctx)
	} else {
		var cached bool
		raw, cached, err = p.cache.GetOrCompute(ctx, key, compute)
		if cached {
			p.logger.Debug("Cache hit", "provider", c.route.providerConfig.Name)
		}
	}
	if err != nil {
		return nil, err
	}

	publicBody, err := c.route.provider.TransformResponse(raw)
	if err != nil {
		return nil, err
	}

	return decodePublicResponse(publicBody, c.route.providerConfig.Name)
}

// decodePublicResponse parses the translated body, surfacing embedded
// provider errors as upstream failures.
func decodePublicResponse(body []byte, providerName string) (*wire.Response, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}

	if probe.Type == "error" {
		var envelope wire.ErrorEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decode provider error: %w", err)
		}
		return nil, &wire.UpstreamError{
			Provider: providerName,
			Status:   502,
			Message:  envelope.Error.Message,
		}
	}

	var resp wire.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return &resp, nil
}
