package toolserver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu      sync.Mutex
	servers []string
}

func (r *recordingInvalidator) InvalidateServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = append(r.servers, server)
}

func TestHealthMonitor_EvictsUnresponsiveServer(t *testing.T) {
	handler := func(req Request) *Response {
		if req.Method == MethodPing {
			return &Response{ID: req.ID, Error: &RemoteError{Code: 1, Message: "wedged"}}
		}
		return defaultHandler([]map[string]any{{"name": "read_file"}})(req)
	}
	reg, dir := newTestRegistry(t, handler)
	reg.Register("filesystem", "fs-server", nil, nil)
	require.NoError(t, reg.Start(context.Background(), "filesystem"))

	inv := &recordingInvalidator{}
	monitor := NewHealthMonitor(reg, inv, testLogger())
	monitor.CheckOnce()

	assert.Empty(t, reg.Running())
	_, found := dir.Find("read_file")
	assert.False(t, found)
	assert.Equal(t, []string{"filesystem"}, inv.servers)
}

func TestHealthMonitor_HealthyServerUntouched(t *testing.T) {
	reg, _ := newTestRegistry(t, defaultHandler(nil))
	reg.Register("filesystem", "fs-server", nil, nil)
	require.NoError(t, reg.Start(context.Background(), "filesystem"))

	monitor := NewHealthMonitor(reg, nil, testLogger())
	monitor.CheckOnce()

	assert.Equal(t, []string{"filesystem"}, reg.Running())
}
