package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerStatus is the lifecycle state of a registered server.
type ServerStatus string

const (
	StatusStopped ServerStatus = "stopped"
	StatusRunning ServerStatus = "running"
)

// ServerDescriptor is one registered tool server: how to launch it and
// whether it currently runs.
type ServerDescriptor struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Status  ServerStatus      `json:"status"`
}

// RegistryConfig bounds the registry's blocking operations.
type RegistryConfig struct {
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	StopGrace        time.Duration
}

// DefaultRegistryConfig returns the timeouts used when none are configured.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HandshakeTimeout: 10 * time.Second,
		CallTimeout:      30 * time.Second,
		StopGrace:        5 * time.Second,
	}
}

// Launcher spawns a process for a descriptor. The default launcher
// execs real subprocesses; alternatives can connect in-process
// transports, which is how the toolservertest package fakes servers.
type Launcher func(desc ServerDescriptor, logger zerolog.Logger) (*ServerProcess, error)

// ServerRegistry maps server names to descriptors and running process
// handles. It enforces one running process per name and serializes
// register/start/stop per name, not globally.
type ServerRegistry struct {
	logger    zerolog.Logger
	config    RegistryConfig
	directory *CapabilityDirectory
	launch    Launcher

	mu        sync.Mutex
	servers   map[string]*ServerDescriptor
	processes map[string]*ServerProcess
	nameLocks map[string]*sync.Mutex
}

// NewServerRegistry creates a registry backed by real subprocess launches.
func NewServerRegistry(config RegistryConfig, directory *CapabilityDirectory, logger zerolog.Logger) *ServerRegistry {
	return NewServerRegistryWithLauncher(config, directory, execLaunch, logger)
}

// NewServerRegistryWithLauncher creates a registry with a custom launcher.
func NewServerRegistryWithLauncher(config RegistryConfig, directory *CapabilityDirectory, launch Launcher, logger zerolog.Logger) *ServerRegistry {
	return &ServerRegistry{
		logger:    logger.With().Str("component", "server-registry").Logger(),
		config:    config,
		directory: directory,
		launch:    launch,
		servers:   make(map[string]*ServerDescriptor),
		processes: make(map[string]*ServerProcess),
		nameLocks: make(map[string]*sync.Mutex),
	}
}

func execLaunch(desc ServerDescriptor, logger zerolog.Logger) (*ServerProcess, error) {
	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", desc.Command, err)
	}

	return newServerProcess(desc.Name, cmd, stdin, stdout, logger), nil
}

func (r *ServerRegistry) lockName(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.nameLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		r.nameLocks[name] = lock
	}
	return lock
}

// Register stores or overwrites a descriptor in stopped state. Last
// write wins; registering an already-running name leaves the running
// process alone until the next stop/start cycle.
func (r *ServerRegistry) Register(name, command string, args []string, env map[string]string) {
	lock := r.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	desc := &ServerDescriptor{
		Name:    name,
		Command: command,
		Args:    args,
		Env:     env,
		Status:  StatusStopped,
	}
	if _, running := r.processes[name]; running {
		desc.Status = StatusRunning
	}
	r.servers[name] = desc

	r.logger.Debug().Str("server", name).Str("command", command).Msg("Server registered")
}

// Start spawns the named server, performs the capability-negotiation
// handshake and the tool-discovery exchange, and records the running
// handle. A failed handshake cleans up the partially-spawned process
// and leaves the descriptor stopped.
func (r *ServerRegistry) Start(ctx context.Context, name string) error {
	lock := r.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	desc, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrServerNotFound)
	}
	if _, running := r.processes[name]; running {
		r.mu.Unlock()
		return nil
	}
	descCopy := *desc
	r.mu.Unlock()

	proc, err := r.launch(descCopy, r.logger)
	if err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	if err := r.handshake(ctx, proc); err != nil {
		proc.Terminate(r.config.StopGrace)
		return fmt.Errorf("handshake with %s: %w", name, err)
	}

	tools, err := r.discover(ctx, proc)
	if err != nil {
		proc.Terminate(r.config.StopGrace)
		return fmt.Errorf("discover tools on %s: %w", name, err)
	}

	r.mu.Lock()
	r.processes[name] = proc
	if desc, ok := r.servers[name]; ok {
		desc.Status = StatusRunning
	}
	r.mu.Unlock()
	r.directory.Replace(name, tools)

	r.logger.Info().Str("server", name).Int("tools", len(tools)).Msg("Server started")
	return nil
}

func (r *ServerRegistry) handshake(ctx context.Context, proc *ServerProcess) error {
	params := map[string]any{
		"protocolVersion": "1",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "taskmill",
			"version": "0.1.0",
		},
	}
	_, err := proc.Exchange(ctx, MethodInitialize, params, r.config.HandshakeTimeout)
	return err
}

func (r *ServerRegistry) discover(ctx context.Context, proc *ServerProcess) ([]ToolDescriptor, error) {
	raw, err := proc.Exchange(ctx, MethodListTools, nil, r.config.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: %w", MethodListTools, ErrNoResponse)
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolParse, err)
	}

	tools := make([]ToolDescriptor, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Server:      proc.Name(),
			Description: t.Description,
			Schema:      NormalizeSchema(t.Name, t.InputSchema),
		})
	}
	return tools, nil
}

// Stop terminates the named server: graceful signal, bounded grace
// period, force kill. The process handle is always removed and the
// server's discovered tools invalidated.
func (r *ServerRegistry) Stop(name string) error {
	lock := r.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	proc, running := r.processes[name]
	delete(r.processes, name)
	if desc, ok := r.servers[name]; ok {
		desc.Status = StatusStopped
	}
	r.mu.Unlock()

	r.directory.Invalidate(name)

	if !running {
		return fmt.Errorf("%s: %w", name, ErrServerNotRunning)
	}

	err := proc.Terminate(r.config.StopGrace)
	r.logger.Info().Str("server", name).Msg("Server stopped")
	return err
}

// StopAll stops every running server, aggregating partial failures.
// Safe with zero running servers.
func (r *ServerRegistry) StopAll() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.processes))
	for name := range r.processes {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := r.Stop(name); err != nil && !errors.Is(err, ErrServerNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every process. The registry's lifetime is its owning
// orchestrator's lifetime.
func (r *ServerRegistry) Close() error {
	return r.StopAll()
}

// Invoke executes a tool call against a running server.
func (r *ServerRegistry) Invoke(ctx context.Context, server, toolName string, args map[string]any) (json.RawMessage, error) {
	r.mu.Lock()
	proc, running := r.processes[server]
	_, registered := r.servers[server]
	r.mu.Unlock()

	if !running {
		if !registered {
			return nil, fmt.Errorf("%s: %w", server, ErrServerNotFound)
		}
		return nil, fmt.Errorf("%s: %w", server, ErrServerNotRunning)
	}

	params := map[string]any{
		"name":      toolName,
		"arguments": args,
	}
	return proc.Exchange(ctx, MethodCallTool, params, r.config.CallTimeout)
}

// Ping performs the health-check exchange against a running server.
func (r *ServerRegistry) Ping(ctx context.Context, server string) error {
	r.mu.Lock()
	proc, running := r.processes[server]
	r.mu.Unlock()

	if !running {
		return fmt.Errorf("%s: %w", server, ErrServerNotRunning)
	}
	_, err := proc.Exchange(ctx, MethodPing, nil, r.config.HandshakeTimeout)
	return err
}

// Get returns a copy of the descriptor for name.
func (r *ServerRegistry) Get(name string) (ServerDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.servers[name]
	if !ok {
		return ServerDescriptor{}, false
	}
	return *desc, true
}

// Running returns the names of servers with live processes, sorted.
func (r *ServerRegistry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.processes))
	for name := range r.processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns copies of every registered descriptor, sorted by name.
func (r *ServerRegistry) List() []ServerDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerDescriptor, 0, len(r.servers))
	for _, desc := range r.servers {
		out = append(out, *desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
