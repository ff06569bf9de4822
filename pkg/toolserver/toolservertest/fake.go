// Package toolservertest provides in-process fake tool servers for
// tests, wired through the same line-framed exchange as real
// subprocess servers.
package toolservertest

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/pkg/toolserver"
)

// Handler produces the response for one request. Returning nil leaves
// the request unanswered, which exercises caller timeouts.
type Handler func(req toolserver.Request) *toolserver.Response

// Tool describes one tool a fake server advertises via tools/list.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Result marshals v into a success response for req.
func Result(req toolserver.Request, v any) *toolserver.Response {
	data, _ := json.Marshal(v)
	return &toolserver.Response{ID: req.ID, Result: data}
}

// Error builds an error response for req.
func Error(req toolserver.Request, code int, message string) *toolserver.Response {
	return &toolserver.Response{ID: req.ID, Error: &toolserver.RemoteError{Code: code, Message: message}}
}

// ServerHandler answers the standard lifecycle methods for a server
// advertising the given tools; tools/call echoes its parameters back.
func ServerHandler(tools ...Tool) Handler {
	return func(req toolserver.Request) *toolserver.Response {
		switch req.Method {
		case toolserver.MethodInitialize, toolserver.MethodPing:
			return Result(req, map[string]any{})
		case toolserver.MethodListTools:
			list := make([]map[string]any, 0, len(tools))
			for _, t := range tools {
				entry := map[string]any{"name": t.Name, "description": t.Description}
				if t.InputSchema != nil {
					entry["inputSchema"] = t.InputSchema
				}
				list = append(list, entry)
			}
			return Result(req, map[string]any{"tools": list})
		case toolserver.MethodCallTool:
			return Result(req, map[string]any{"ok": true, "params": req.Params})
		default:
			return Error(req, -32601, "method not found")
		}
	}
}

// Launcher returns a toolserver.Launcher whose processes talk to an
// in-process loop driven by the handler registered for each server
// name. Missing names fall back to defaultHandler; a nil fallback
// answers with ServerHandler() and no tools.
func Launcher(handlers map[string]Handler, defaultHandler Handler) toolserver.Launcher {
	if defaultHandler == nil {
		defaultHandler = ServerHandler()
	}
	return func(desc toolserver.ServerDescriptor, logger zerolog.Logger) (*toolserver.ServerProcess, error) {
		handler, ok := handlers[desc.Name]
		if !ok {
			handler = defaultHandler
		}

		inR, inW := io.Pipe()
		outR, outW := io.Pipe()

		go func() {
			defer outW.Close()
			scanner := bufio.NewScanner(inR)
			for scanner.Scan() {
				var req toolserver.Request
				if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
					continue
				}
				resp := handler(req)
				if resp == nil {
					continue
				}
				data, _ := json.Marshal(resp)
				outW.Write(append(data, '\n'))
			}
		}()

		return toolserver.NewProcessFromPipes(desc.Name, inW, outR, logger), nil
	}
}

// NewRegistry builds a registry whose servers are all fakes, plus the
// directory it discovers into.
func NewRegistry(config toolserver.RegistryConfig, handlers map[string]Handler) (*toolserver.ServerRegistry, *toolserver.CapabilityDirectory) {
	dir := toolserver.NewCapabilityDirectory()
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	reg := toolserver.NewServerRegistryWithLauncher(config, dir, Launcher(handlers, nil), logger)
	return reg, dir
}
