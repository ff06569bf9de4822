package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ServerProcess owns one running tool server: the OS process, its
// stdin/stdout pipes and the line-framed request/response exchange.
// Requests are correlated by a monotonically increasing id; a listen
// goroutine demultiplexes response lines into per-request channels.
type ServerProcess struct {
	name   string
	logger zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	nextID  int
	pending map[int]chan *Response
	done    chan struct{}
	closed  bool
}

// NewProcessFromPipes wraps an already-connected transport in a
// ServerProcess with no OS process behind it. Terminate then only
// closes the write side. Used for in-process fake servers in tests.
func NewProcessFromPipes(name string, stdin io.WriteCloser, stdout io.Reader, logger zerolog.Logger) *ServerProcess {
	return newServerProcess(name, nil, stdin, stdout, logger)
}

func newServerProcess(name string, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, logger zerolog.Logger) *ServerProcess {
	scanner := bufio.NewScanner(stdout)
	// Result lines can far exceed the default token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	p := &ServerProcess{
		name:    name,
		logger:  logger.With().Str("component", "server-process").Str("server", name).Logger(),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  scanner,
		pending: make(map[int]chan *Response),
		done:    make(chan struct{}),
	}
	go p.listen()
	return p
}

// Name returns the server name this process was started for.
func (p *ServerProcess) Name() string {
	return p.name
}

func (p *ServerProcess) listen() {
	defer close(p.done)

	for p.stdout.Scan() {
		line := p.stdout.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.logger.Error().Err(err).Msg("Unparsable response line")
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}

	// Pipe closed or process died: fail everything still in flight.
	p.mu.Lock()
	for id, ch := range p.pending {
		delete(p.pending, id)
		close(ch)
	}
	p.closed = true
	p.mu.Unlock()
}

// Exchange writes one request line and waits for the matching response
// line, bounded by timeout. A timeout terminates the process rather
// than leaving the call hung.
func (p *ServerProcess) Exchange(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", p.name, ErrTransport)
	}
	p.nextID++
	id := p.nextID
	ch := make(chan *Response, 1)
	p.pending[id] = ch
	stdin := p.stdin
	p.mu.Unlock()

	req := Request{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		p.abandon(id)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		p.abandon(id)
		return nil, fmt.Errorf("write request: %w: %v", ErrTransport, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// The listen loop closed the channel: the process died or
			// closed its pipe mid-call.
			return nil, fmt.Errorf("%s: %w: pipe closed mid-call", p.name, ErrTransport)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: (%d) %s", ErrRemoteTool, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		p.abandon(id)
		return nil, ctx.Err()
	case <-time.After(timeout):
		p.abandon(id)
		p.logger.Warn().Str("method", method).Dur("timeout", timeout).Msg("Call timed out, terminating process")
		p.Terminate(timeout)
		return nil, fmt.Errorf("%s %s: %w: timed out after %s", p.name, method, ErrTransport, timeout)
	}
}

func (p *ServerProcess) abandon(id int) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Terminate asks the process to exit, waits out the grace period and
// force-kills it if still alive. Safe to call more than once.
func (p *ServerProcess) Terminate(grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	p.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		p.logger.Warn().Msg("Process ignored terminate signal, killing")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("force kill %s: %w", p.name, err)
		}
		<-exited
		return nil
	}
}

// Alive reports whether the exchange loop is still reading.
func (p *ServerProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.closed
	}
}
