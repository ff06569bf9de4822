package fsserver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultReadLimit = 200_000

func (s *Server) readFileTool() toolDef {
	return toolDef{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		InputSchema: objectSchema(map[string]any{
			"path":      map[string]any{"type": "string", "description": "Relative file path"},
			"max_bytes": map[string]any{"type": "number", "description": "Maximum bytes to read (default 200000)"},
		}, "path"),
		Handle: func(args map[string]any) (any, error) {
			pathValue, _ := args["path"].(string)
			target, err := s.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]any{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func (s *Server) writeFileTool() toolDef {
	return toolDef{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		InputSchema: objectSchema(map[string]any{
			"path":    map[string]any{"type": "string", "description": "Relative file path"},
			"content": map[string]any{"type": "string", "description": "File content"},
			"append":  map[string]any{"type": "boolean", "description": "Append to file (default false)"},
		}, "path", "content"),
		Handle: func(args map[string]any) (any, error) {
			pathValue, _ := args["path"].(string)
			target, err := s.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			return map[string]any{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func (s *Server) editFileTool() toolDef {
	return toolDef{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		InputSchema: objectSchema(map[string]any{
			"path":    map[string]any{"type": "string", "description": "Relative file path"},
			"search":  map[string]any{"type": "string", "description": "Text to search for"},
			"replace": map[string]any{"type": "string", "description": "Replacement text"},
			"all":     map[string]any{"type": "boolean", "description": "Replace every occurrence (default first only)"},
		}, "path", "search", "replace"),
		Handle: func(args map[string]any) (any, error) {
			pathValue, _ := args["path"].(string)
			target, err := s.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := args["search"].(string)
			replace, _ := args["replace"].(string)
			all, _ := args["all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search text is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)
			count := strings.Count(content, search)
			if count == 0 {
				return nil, fmt.Errorf("search text not found in %s", pathValue)
			}

			replaced := 1
			if all {
				content = strings.ReplaceAll(content, search, replace)
				replaced = count
			} else {
				content = strings.Replace(content, search, replace, 1)
			}

			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return nil, err
			}
			return map[string]any{
				"path":     pathValue,
				"replaced": replaced,
			}, nil
		},
	}
}

func (s *Server) listDirTool() toolDef {
	return toolDef{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		InputSchema: objectSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Relative directory path (default workspace root)"},
		}),
		Handle: func(args map[string]any) (any, error) {
			pathValue, _ := args["path"].(string)
			if pathValue == "" {
				pathValue = "."
			}
			target, err := s.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}

			names := make([]map[string]any, 0, len(entries))
			for _, e := range entries {
				names = append(names, map[string]any{
					"name": e.Name(),
					"dir":  e.IsDir(),
				})
			}
			sort.Slice(names, func(i, j int) bool {
				return names[i]["name"].(string) < names[j]["name"].(string)
			})
			return map[string]any{
				"path":    pathValue,
				"entries": names,
			}, nil
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// resolvePath joins a user-supplied path onto the root and refuses
// anything that escapes it.
func (s *Server) resolvePath(pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}

	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(s.root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace root", pathValue)
	}
	return candidate, nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, false, err
	}

	// One more byte decides whether the read was truncated.
	extra := make([]byte, 1)
	n, _ := f.Read(extra)
	return data, n > 0, nil
}
