package toolserver

import "sync"

// CapabilityDirectory holds the tools discovered per server. Entries
// are written by the registry's discovery handshake and invalidated
// when their owning server stops.
type CapabilityDirectory struct {
	mu       sync.RWMutex
	byServer map[string][]ToolDescriptor
}

// NewCapabilityDirectory creates an empty directory.
func NewCapabilityDirectory() *CapabilityDirectory {
	return &CapabilityDirectory{
		byServer: make(map[string][]ToolDescriptor),
	}
}

// Replace swaps in the full tool list for one server.
func (d *CapabilityDirectory) Replace(server string, tools []ToolDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byServer[server] = tools
}

// Invalidate drops everything known about a server.
func (d *CapabilityDirectory) Invalidate(server string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byServer, server)
}

// Tools returns the discovered tools for one server.
func (d *CapabilityDirectory) Tools(server string) []ToolDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tools := d.byServer[server]
	out := make([]ToolDescriptor, len(tools))
	copy(out, tools)
	return out
}

// Find returns the descriptor for a tool name and the server owning
// it, searching every server's discovered tools.
func (d *CapabilityDirectory) Find(toolName string) (ToolDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, tools := range d.byServer {
		for _, t := range tools {
			if t.Name == toolName {
				return t, true
			}
		}
	}
	return ToolDescriptor{}, false
}

// AllTools returns every discovered tool across all servers.
func (d *CapabilityDirectory) AllTools() []ToolDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ToolDescriptor
	for _, tools := range d.byServer {
		out = append(out, tools...)
	}
	return out
}
