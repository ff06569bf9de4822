package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/pkg/toolserver"
)

// Result is the one envelope every tool call resolves to. The router
// never raises: not-found, not-running, timeouts, parse errors and
// remote errors all land here as Success=false.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Ok builds a success envelope.
func Ok(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failure envelope.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// DefaultStaticRoutes maps well-known tools to their conventional servers.
func DefaultStaticRoutes() map[string]string {
	return map[string]string{
		"read_file":  "filesystem",
		"write_file": "filesystem",
		"list_dir":   "filesystem",
		"web_search": "search",
	}
}

// Config tunes the probing fallback.
type Config struct {
	// ProbeMinInterval is the minimum gap between probe rounds for the
	// same tool name. Probes execute real tool calls on remote servers,
	// so they are rate-limited and their outcome cached.
	ProbeMinInterval time.Duration
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{ProbeMinInterval: 30 * time.Second}
}

// Router resolves tool names to servers and executes calls. Resolution
// order: static compiled-in routes, the learned route cache, the
// capability directory, then a rate-limited probe across running
// servers. All calls are serialized; the core never issues two tool
// calls concurrently.
type Router struct {
	logger    zerolog.Logger
	config    Config
	registry  *toolserver.ServerRegistry
	directory *toolserver.CapabilityDirectory

	mu        sync.Mutex
	static    map[string]string
	learned   map[string]string
	lastProbe map[string]time.Time

	callMu sync.Mutex
}

// New creates a router. static may be nil to start with no fixed routes.
func New(registry *toolserver.ServerRegistry, directory *toolserver.CapabilityDirectory, static map[string]string, config Config, logger zerolog.Logger) *Router {
	if static == nil {
		static = make(map[string]string)
	}
	return &Router{
		logger:    logger.With().Str("component", "tool-router").Logger(),
		config:    config,
		registry:  registry,
		directory: directory,
		static:    static,
		learned:   make(map[string]string),
		lastProbe: make(map[string]time.Time),
	}
}

// Resolve returns the server owning toolName, learning routes from the
// capability directory and, as a last resort, from probing.
func (r *Router) Resolve(ctx context.Context, toolName string) (string, error) {
	r.mu.Lock()
	if server, ok := r.static[toolName]; ok {
		r.mu.Unlock()
		return server, nil
	}
	if server, ok := r.learned[toolName]; ok {
		r.mu.Unlock()
		return server, nil
	}
	r.mu.Unlock()

	if desc, ok := r.directory.Find(toolName); ok {
		r.remember(toolName, desc.Server)
		return desc.Server, nil
	}

	if server, ok := r.probe(ctx, toolName, nil); ok {
		return server, nil
	}

	return "", fmt.Errorf("tool %s: %w", toolName, toolserver.ErrServerNotFound)
}

func (r *Router) remember(toolName, server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.learned[toolName] = server
}

// probe issues a trial call against each running server until one
// answers with a structured success. Probes have side effects on the
// target, so rounds are rate-limited per tool name.
func (r *Router) probe(ctx context.Context, toolName string, args map[string]any) (string, bool) {
	r.mu.Lock()
	if last, ok := r.lastProbe[toolName]; ok && time.Since(last) < r.config.ProbeMinInterval {
		r.mu.Unlock()
		return "", false
	}
	r.lastProbe[toolName] = time.Now()
	r.mu.Unlock()

	for _, server := range r.registry.Running() {
		// Servers with discovery data already had their chance via the
		// directory; skip them rather than execute a speculative call.
		if len(r.directory.Tools(server)) > 0 {
			continue
		}
		if _, err := r.registry.Invoke(ctx, server, toolName, args); err == nil {
			r.logger.Info().Str("tool", toolName).Str("server", server).Msg("Route learned by probing")
			r.remember(toolName, server)
			return server, true
		}
	}
	return "", false
}

// Call resolves toolName and executes it, folding every failure mode
// into the Result envelope.
func (r *Router) Call(ctx context.Context, toolName string, args map[string]any) Result {
	r.callMu.Lock()
	defer r.callMu.Unlock()

	server, err := r.Resolve(ctx, toolName)
	if err != nil {
		return Fail("not found: no server provides tool %s", toolName)
	}

	if desc, ok := r.directory.Find(toolName); ok {
		if err := desc.Schema.Validate(args); err != nil {
			return Fail("invalid arguments for %s: %v", toolName, err)
		}
	}

	raw, err := r.registry.Invoke(ctx, server, toolName, args)
	if err != nil {
		// A broken binding should not stick.
		r.forget(toolName, server)
		return Fail("call %s on %s failed: %v", toolName, server, err)
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return Fail("unparsable result from %s: %v", server, err)
		}
	}
	return Ok(data)
}

// CallOn executes a tool on an explicitly named server, bypassing
// resolution. serverOrAuto equal to "auto" (or empty) falls back to Call.
func (r *Router) CallOn(ctx context.Context, serverOrAuto, toolName string, args map[string]any) Result {
	if serverOrAuto == "" || serverOrAuto == "auto" {
		return r.Call(ctx, toolName, args)
	}

	r.callMu.Lock()
	defer r.callMu.Unlock()

	raw, err := r.registry.Invoke(ctx, serverOrAuto, toolName, args)
	if err != nil {
		return Fail("call %s on %s failed: %v", toolName, serverOrAuto, err)
	}
	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return Fail("unparsable result from %s: %v", serverOrAuto, err)
		}
	}
	return Ok(data)
}

func (r *Router) forget(toolName, server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.learned[toolName] == server {
		delete(r.learned, toolName)
	}
}

// InvalidateServer drops every learned route pointing at server.
// Satisfies toolserver.RouteInvalidator.
func (r *Router) InvalidateServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tool, s := range r.learned {
		if s == server {
			delete(r.learned, tool)
		}
	}
}

// KnownTools returns every tool the router can currently name: static
// routes plus everything discovered.
func (r *Router) KnownTools() []string {
	seen := make(map[string]bool)
	var out []string

	r.mu.Lock()
	for tool := range r.static {
		if !seen[tool] {
			seen[tool] = true
			out = append(out, tool)
		}
	}
	r.mu.Unlock()

	for _, desc := range r.directory.AllTools() {
		if !seen[desc.Name] {
			seen[desc.Name] = true
			out = append(out, desc.Name)
		}
	}
	return out
}
