package decompose

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/task"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

// listPlanner returns a fixed set of children.
type listPlanner struct {
	specs []ChildSpec
}

func (p listPlanner) PlanDecomposition(context.Context, string, string, string) ([]ChildSpec, error) {
	return p.specs, nil
}

func TestDecompose_TwoChildrenProduceThreeTasks(t *testing.T) {
	store := task.NewStore(3)
	parent := store.AppendRoot("find and summarize", "web_search", 2, "planner")
	store.AppendRoot("unrelated successor", "read_file", 2, "planner")

	d := New(listPlanner{specs: []ChildSpec{
		{Description: "find sources", ToolName: "web_search"},
		{Description: "summarize sources", ToolName: "read_file"},
	}}, nil, testLogger())

	before := store.Len()
	children, err := d.Decompose(context.Background(), store, parent, "goal")
	require.NoError(t, err)

	require.Len(t, children, 3)
	assert.Equal(t, before+3, store.Len())

	order := store.Tasks()
	assert.Equal(t, "1", order[0].ID)
	assert.Equal(t, "1.1", order[1].ID)
	assert.Equal(t, "1.2", order[2].ID)
	assert.Equal(t, "1.3", order[3].ID)
	assert.Equal(t, "2", order[4].ID)

	assert.True(t, order[3].IsCollector)
	assert.Equal(t, task.StatusInProgress, parent.Status)
}

func TestDecompose_ChildrenInheritDepthAndContext(t *testing.T) {
	store := task.NewStore(3)
	parent := store.AppendRoot("split me", "web_search", 4, "planner")

	d := New(listPlanner{specs: []ChildSpec{
		{Description: "a", ToolName: "web_search", Role: "researcher"},
		{Description: "b", ToolName: "web_search"},
	}}, nil, testLogger())

	children, err := d.Decompose(context.Background(), store, parent, "goal")
	require.NoError(t, err)

	for _, c := range children {
		assert.Equal(t, parent.Depth+1, c.Depth)
		assert.Equal(t, parent.ID, c.Required.TriggeringTaskID)
		assert.Equal(t, parent.MaxRetries, c.MaxRetries)
		require.NotNil(t, c.SubAgent)
		assert.NotEmpty(t, c.SubAgent.ID)
		assert.Equal(t, parent.ID, c.SubAgent.ParentID)
	}
	assert.Equal(t, "researcher", children[0].SubAgent.Role)
	assert.Equal(t, "collector", children[2].SubAgent.Role)
}

func TestDecompose_RefusedAtMaxDepth(t *testing.T) {
	store := task.NewStore(0)
	parent := store.AppendRoot("cannot split", "web_search", 2, "planner")

	d := New(listPlanner{specs: []ChildSpec{{Description: "a"}, {Description: "b"}}}, nil, testLogger())

	_, err := d.Decompose(context.Background(), store, parent, "goal")
	assert.ErrorIs(t, err, task.ErrDepthExceeded)
	assert.Equal(t, 1, store.Len())
}

func TestCollect_WritesParentAnalysisAndCompletes(t *testing.T) {
	store := task.NewStore(3)
	parent := store.AppendRoot("split me", "web_search", 2, "planner")

	d := New(listPlanner{specs: []ChildSpec{
		{Description: "a", ToolName: "web_search"},
		{Description: "b", ToolName: "web_search"},
	}}, nil, testLogger())

	children, err := d.Decompose(context.Background(), store, parent, "goal")
	require.NoError(t, err)

	children[0].Status = task.StatusCompleted
	children[0].Execution = &task.ExecutionContext{RawResult: "alpha", Analysis: "found alpha"}
	children[1].Status = task.StatusFailed
	children[1].Failure = &task.FailureContext{ErrorMessage: "no beta", FailCount: 3}

	collector := children[2]
	summary, err := d.Collect(context.Background(), store, collector, "goal")
	require.NoError(t, err)

	assert.Contains(t, summary, "found alpha")
	assert.Contains(t, summary, "no beta")

	assert.Equal(t, task.StatusCompleted, parent.Status)
	require.NotNil(t, parent.Execution)
	assert.Equal(t, summary, parent.Execution.Analysis)
	assert.Equal(t, summary, collector.SubAgent.Aggregated)
}

func TestSplitPlanner(t *testing.T) {
	specs, err := SplitPlanner{}.PlanDecomposition(context.Background(), "fetch the page; extract the table", "web_search", "")
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "fetch the page", specs[0].Description)

	_, err = SplitPlanner{}.PlanDecomposition(context.Background(), "atomic step", "web_search", "")
	assert.Error(t, err)
}
