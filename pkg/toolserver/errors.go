package toolserver

import "errors"

// Protocol and lifecycle failures. Everything a server call can fail
// with wraps one of these, so callers can classify with errors.Is.
var (
	// ErrServerNotFound means no descriptor is registered under the name.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerNotRunning means the descriptor exists but has no live process.
	ErrServerNotRunning = errors.New("server not running")

	// ErrNoResponse means the read side produced nothing before the deadline.
	ErrNoResponse = errors.New("no response from server")

	// ErrProtocolParse means a response line could not be decoded.
	ErrProtocolParse = errors.New("unparsable response line")

	// ErrRemoteTool means the server reported a structured error.
	ErrRemoteTool = errors.New("remote tool error")

	// ErrTransport means the pipe broke or the process died mid-call.
	ErrTransport = errors.New("transport failure")
)
