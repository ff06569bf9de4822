package task

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepository(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	repo, err := OpenRepository(filepath.Join(dir, "taskmill.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_SaveLoadRoundTrip(t *testing.T) {
	repo := setupRepository(t)

	store := NewStore(3)
	first := store.AppendRoot("read the config", "read_file", 2, "planner")
	store.AppendRoot("search the docs", "web_search", 2, "planner")

	first.Status = StatusCompleted
	first.Execution = &ExecutionContext{
		ResolvedTool: "read_file",
		Arguments:    map[string]any{"path": "/etc/app.conf"},
		GoalAchieved: true,
	}
	store.Advance()

	wf := &Workflow{
		ID:          uuid.NewString(),
		Goal:        "summarize the configuration",
		Status:      WorkflowRunning,
		ExecutedLog: []string{"read_file"},
		CreatedAt:   time.Now(),
	}
	require.NoError(t, repo.Save(wf, store))

	loadedWf, loadedStore, err := repo.Load(wf.ID, 3)
	require.NoError(t, err)

	assert.Equal(t, wf.Goal, loadedWf.Goal)
	assert.Equal(t, WorkflowRunning, loadedWf.Status)
	assert.Equal(t, []string{"read_file"}, loadedWf.ExecutedLog)
	assert.Equal(t, 1, loadedStore.Cursor())
	require.Equal(t, 2, loadedStore.Len())

	restored, ok := loadedStore.Get("1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, restored.Status)
	require.NotNil(t, restored.Execution)
	assert.True(t, restored.Execution.GoalAchieved)
	assert.Equal(t, "read_file", restored.Execution.ResolvedTool)
}

func TestRepository_SaveIsIdempotentPerWorkflow(t *testing.T) {
	repo := setupRepository(t)

	store := NewStore(3)
	store.AppendRoot("only", "read_file", 2, "planner")
	wf := &Workflow{ID: uuid.NewString(), Goal: "g", Status: WorkflowStarted, CreatedAt: time.Now()}

	require.NoError(t, repo.Save(wf, store))
	wf.Status = WorkflowCompleted
	require.NoError(t, repo.Save(wf, store))

	loaded, loadedStore, err := repo.Load(wf.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, WorkflowCompleted, loaded.Status)
	assert.Equal(t, 1, loadedStore.Len())
}

func TestRepository_LoadRevivesInterruptedTasks(t *testing.T) {
	repo := setupRepository(t)

	store := NewStore(3)
	interrupted := store.AppendRoot("stuck mid-call", "read_file", 2, "planner")
	interrupted.Status = StatusInProgress

	parent := store.AppendRoot("decomposed", "web_search", 2, "planner")
	parent.Status = StatusInProgress
	require.NoError(t, store.InsertChildren(parent.ID, []*Task{
		{ID: parent.ID + ".1", Description: "half", ToolName: "web_search", Status: StatusPending, Depth: 1, MaxRetries: 2},
		{ID: parent.ID + ".2", Description: "fold", IsCollector: true, Status: StatusInProgress, Depth: 1, MaxRetries: 2},
	}))

	wf := &Workflow{ID: uuid.NewString(), Goal: "g", Status: WorkflowRunning, CreatedAt: time.Now()}
	require.NoError(t, repo.Save(wf, store))

	_, loaded, err := repo.Load(wf.ID, 3)
	require.NoError(t, err)

	revived, ok := loaded.Get(interrupted.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, revived.Status, "a task caught mid-call is re-run")

	stillParent, _ := loaded.Get(parent.ID)
	assert.Equal(t, StatusInProgress, stillParent.Status, "a decomposed parent waits for its collector")
	collector, _ := loaded.Get(parent.ID + ".2")
	assert.Equal(t, StatusInProgress, collector.Status)
}

func TestRepository_LoadUnknownWorkflow(t *testing.T) {
	repo := setupRepository(t)

	_, _, err := repo.Load("missing", 3)
	assert.Error(t, err)
}

func TestRepository_NewRootIDsContinueAfterRestore(t *testing.T) {
	repo := setupRepository(t)

	store := NewStore(3)
	store.AppendRoot("a", "read_file", 2, "planner")
	store.AppendRoot("b", "read_file", 2, "planner")
	wf := &Workflow{ID: uuid.NewString(), Goal: "g", Status: WorkflowRunning, CreatedAt: time.Now()}
	require.NoError(t, repo.Save(wf, store))

	_, loadedStore, err := repo.Load(wf.ID, 3)
	require.NoError(t, err)

	next := loadedStore.AppendRoot("c", "read_file", 2, "planner")
	assert.Equal(t, "3", next.ID)
}
