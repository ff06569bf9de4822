// Package fsserver is a built-in tool server exposing workspace file
// operations over the line-framed wire protocol. It lets one taskmill
// binary act as both engine and tool server.
package fsserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/pkg/toolserver"
)

// handler executes one tool call.
type handler func(args map[string]any) (any, error)

// toolDef describes one served tool.
type toolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handle      handler
}

// Server answers protocol requests from in and writes responses to
// out, one JSON object per line.
type Server struct {
	root   string
	in     io.Reader
	out    io.Writer
	outMu  sync.Mutex
	logger zerolog.Logger
	tools  []toolDef
}

// New creates a server rooted at root. Paths in tool arguments are
// resolved inside root and may not escape it.
func New(root string, in io.Reader, out io.Writer, logger zerolog.Logger) *Server {
	s := &Server{
		root:   root,
		in:     in,
		out:    out,
		logger: logger.With().Str("component", "fs-server").Logger(),
	}
	s.tools = []toolDef{
		s.readFileTool(),
		s.writeFileTool(),
		s.editFileTool(),
		s.listDirTool(),
	}
	return s
}

// Run serves requests until in closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req toolserver.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping unparseable request line")
			continue
		}
		s.respond(s.handle(req))
	}
	return scanner.Err()
}

func (s *Server) handle(req toolserver.Request) toolserver.Response {
	switch req.Method {
	case toolserver.MethodInitialize, toolserver.MethodPing:
		return result(req, map[string]any{"server": "taskmill-fs", "root": s.root})

	case toolserver.MethodListTools:
		list := make([]map[string]any, 0, len(s.tools))
		for _, t := range s.tools {
			list = append(list, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": t.InputSchema,
			})
		}
		return result(req, map[string]any{"tools": list})

	case toolserver.MethodCallTool:
		name, _ := req.Params["name"].(string)
		args, _ := req.Params["arguments"].(map[string]any)
		for _, t := range s.tools {
			if t.Name != name {
				continue
			}
			out, err := t.Handle(args)
			if err != nil {
				return errResponse(req, -32000, err.Error())
			}
			return result(req, out)
		}
		return errResponse(req, -32601, fmt.Sprintf("unknown tool: %s", name))

	default:
		return errResponse(req, -32601, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) respond(resp toolserver.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.Write(append(data, '\n'))
}

func result(req toolserver.Request, v any) toolserver.Response {
	data, _ := json.Marshal(v)
	return toolserver.Response{ID: req.ID, Result: data}
}

func errResponse(req toolserver.Request, code int, message string) toolserver.Response {
	return toolserver.Response{ID: req.ID, Error: &toolserver.RemoteError{Code: code, Message: message}}
}
