package task

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrStoreCorrupt means the arena violates its own structure, such
	// as a child referencing a parent that is not present. Fatal for
	// the workflow.
	ErrStoreCorrupt = errors.New("task store corrupt")

	// ErrDepthExceeded means an insert would push a task past MaxDepth.
	ErrDepthExceeded = errors.New("max decomposition depth exceeded")

	// ErrDuplicateID means a task id was already used; ids are never reused.
	ErrDuplicateID = errors.New("task id already used")

	// ErrTerminalImmutable means a mutation targeted a terminal task.
	ErrTerminalImmutable = errors.New("task is terminal and immutable")

	// ErrTaskNotFound means no task with the given id is in the arena.
	ErrTaskNotFound = errors.New("task not found")
)

// Store is the flat arena backing one workflow: an ordered task
// sequence plus a cursor. All tasks live here, children included, so
// decomposition recursion becomes iteration with an explicit depth
// bound.
type Store struct {
	mu       sync.Mutex
	tasks    []*Task
	cursor   int
	maxDepth int
	nextRoot int
	usedIDs  map[string]bool
}

// NewStore creates an empty arena bounded by maxDepth.
func NewStore(maxDepth int) *Store {
	return &Store{
		maxDepth: maxDepth,
		nextRoot: 1,
		usedIDs:  make(map[string]bool),
	}
}

// MaxDepth returns the configured decomposition bound.
func (s *Store) MaxDepth() int {
	return s.maxDepth
}

// AppendRoot creates a depth-0 task with the next sequential integer
// id and appends it to the arena.
func (s *Store) AppendRoot(description, toolName string, maxRetries int, createdBy string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strconv.Itoa(s.nextRoot)
	s.nextRoot++
	s.usedIDs[id] = true

	t := &Task{
		ID:          id,
		Description: description,
		ToolName:    toolName,
		Status:      StatusPending,
		Depth:       0,
		MaxRetries:  maxRetries,
		Required: RequiredContext{
			CreatedBy: createdBy,
			CreatedAt: time.Now(),
		},
	}
	s.tasks = append(s.tasks, t)
	return t
}

// InsertChildren places children immediately after their parent's
// position, in order, so the cursor processes them before anything the
// parent's successor would see. Every child must sit exactly one depth
// level below the parent and inside MaxDepth.
func (s *Store) InsertChildren(parentID string, children []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positionOf(parentID)
	if pos < 0 {
		return fmt.Errorf("parent %s: %w", parentID, ErrTaskNotFound)
	}
	parent := s.tasks[pos]

	for _, child := range children {
		if child.Depth != parent.Depth+1 {
			return fmt.Errorf("child %s depth %d under parent depth %d: %w",
				child.ID, child.Depth, parent.Depth, ErrStoreCorrupt)
		}
		if child.Depth > s.maxDepth {
			return fmt.Errorf("child %s depth %d: %w", child.ID, child.Depth, ErrDepthExceeded)
		}
		if s.usedIDs[child.ID] {
			return fmt.Errorf("child %s: %w", child.ID, ErrDuplicateID)
		}
	}

	for _, child := range children {
		s.usedIDs[child.ID] = true
	}

	tail := make([]*Task, len(s.tasks[pos+1:]))
	copy(tail, s.tasks[pos+1:])
	s.tasks = append(s.tasks[:pos+1], children...)
	s.tasks = append(s.tasks, tail...)
	return nil
}

func (s *Store) positionOf(id string) int {
	for i, t := range s.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Current returns the task at the cursor, if the cursor has not passed
// the end of the arena.
func (s *Store) Current() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.tasks) {
		return nil, false
	}
	return s.tasks[s.cursor], true
}

// Advance moves the cursor past the current task.
func (s *Store) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor < len(s.tasks) {
		s.cursor++
	}
}

// Cursor returns the current cursor position.
func (s *Store) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Done reports whether the cursor passed the end of the arena.
func (s *Store) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor >= len(s.tasks)
}

// Len returns the number of tasks in the arena.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Get returns the task with the given id.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positionOf(id)
	if pos < 0 {
		return nil, false
	}
	return s.tasks[pos], true
}

// Tasks returns the arena in order. The slice is a copy; the tasks are
// the live records.
func (s *Store) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Mutate applies fn to the identified task, refusing terminal tasks.
func (s *Store) Mutate(id string, fn func(*Task) error) error {
	s.mu.Lock()
	pos := s.positionOf(id)
	if pos < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	t := s.tasks[pos]
	s.mu.Unlock()

	if t.IsTerminal() {
		return fmt.Errorf("%s: %w", id, ErrTerminalImmutable)
	}
	return fn(t)
}

// ParentID derives the parent id from a hierarchical child id, or ""
// for root tasks.
func ParentID(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// Validate checks structural invariants: every non-root task's parent
// is present and exactly one depth level above it. A violation is
// fatal for the workflow.
func (s *Store) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]*Task, len(s.tasks))
	for _, t := range s.tasks {
		byID[t.ID] = t
	}

	for _, t := range s.tasks {
		parentID := ParentID(t.ID)
		if parentID == "" {
			if t.Depth != 0 {
				return fmt.Errorf("root task %s has depth %d: %w", t.ID, t.Depth, ErrStoreCorrupt)
			}
			continue
		}
		parent, ok := byID[parentID]
		if !ok {
			return fmt.Errorf("task %s references missing parent %s: %w", t.ID, parentID, ErrStoreCorrupt)
		}
		if t.Depth != parent.Depth+1 {
			return fmt.Errorf("task %s depth %d, parent depth %d: %w", t.ID, t.Depth, parent.Depth, ErrStoreCorrupt)
		}
		if t.Depth > s.maxDepth {
			return fmt.Errorf("task %s depth %d: %w", t.ID, t.Depth, ErrDepthExceeded)
		}
	}
	return nil
}

// CompletedBefore returns every completed task ahead of the cursor, in
// order. This is the accumulated context each new execution sees.
func (s *Store) CompletedBefore() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for i := 0; i < s.cursor && i < len(s.tasks); i++ {
		if s.tasks[i].Status == StatusCompleted {
			out = append(out, s.tasks[i])
		}
	}
	return out
}

// restore rebuilds the arena from persisted state.
func (s *Store) restore(tasks []*Task, cursor int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = tasks
	s.cursor = cursor
	s.usedIDs = make(map[string]bool, len(tasks))
	maxRoot := 0
	for _, t := range tasks {
		s.usedIDs[t.ID] = true
		if ParentID(t.ID) == "" {
			if n, err := strconv.Atoi(t.ID); err == nil && n > maxRoot {
				maxRoot = n
			}
		}
	}
	s.nextRoot = maxRoot + 1
}
