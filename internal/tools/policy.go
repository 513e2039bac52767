package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelrelay/modelrelay/internal/config"
)

// Policy enforces the tool security rules: which filesystem paths file
// tools may touch, which executables system tools may run, and how often
// and for how long each tool category may execute.
type Policy struct {
	allowedPaths    []string
	allowedCommands map[string]struct{}
	timeouts        config.ToolsConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limits   map[string]float64
}

func NewPolicy(cfg config.ToolsConfig) *Policy {
	commands := make(map[string]struct{}, len(cfg.AllowedCommands))
	for _, command := range cfg.AllowedCommands {
		commands[command] = struct{}{}
	}

	paths := make([]string, 0, len(cfg.AllowedPaths))
	for _, path := range cfg.AllowedPaths {
		paths = append(paths, filepath.Clean(path))
	}

	return &Policy{
		allowedPaths:    paths,
		allowedCommands: commands,
		timeouts:        cfg,
		limiters:        make(map[string]*rate.Limiter),
		limits:          cfg.RateLimits,
	}
}

// CheckPath verifies that path falls under one of the allowed roots. An
// empty allow-list permits nothing; file tools are opt-in.
func (p *Policy) CheckPath(path string) error {
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return fmt.Errorf("path %q must be absolute", path)
	}

	for _, root := range p.allowedPaths {
		if cleaned == root || strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the allowed roots", path)
}

// CheckCommand verifies that the first word of a shell command is on the
// allow-list.
func (p *Policy) CheckCommand(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("empty command")
	}

	executable := filepath.Base(fields[0])
	if _, ok := p.allowedCommands[executable]; !ok {
		return fmt.Errorf("command %q is not allowed", executable)
	}
	return nil
}

// Wait blocks until the category's rate limiter admits another execution,
// or the context expires. Categories without a configured limit pass
// immediately.
func (p *Policy) Wait(ctx context.Context, category string) error {
	limiter := p.limiter(category)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// Timeout returns the execution budget for the category.
func (p *Policy) Timeout(category string) time.Duration {
	return p.timeouts.Timeout(category)
}

func (p *Policy) limiter(category string) *rate.Limiter {
	perSecond, ok := p.limits[category]
	if !ok || perSecond <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, exists := p.limiters[category]
	if !exists {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		p.limiters[category] = limiter
	}
	return limiter
}
