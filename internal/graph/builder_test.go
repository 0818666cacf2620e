package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newBuilder() *Builder {
	return New(registry.NewSnapshot(testutil.Pool()...), WithIDGenerator(sequentialIDs()))
}

func decision(workers ...string) core.RoutingDecision {
	return core.RoutingDecision{
		Request:         core.Request{ID: "req", Priority: core.PriorityStandard},
		SelectedWorkers: workers,
		Method:          core.RoutingHeuristic,
	}
}

func taskFor(t *testing.T, wf *core.Workflow, worker string) *core.Task {
	t.Helper()
	for _, id := range wf.TaskOrder {
		if wf.Tasks[id].WorkerID == worker {
			return wf.Tasks[id]
		}
	}
	t.Fatalf("no task for worker %s", worker)
	return nil
}

func TestBuild_FullLifecycle(t *testing.T) {
	wf, err := newBuilder().Build([]core.RoutingDecision{
		decision("tester"),
		decision("backend"),
		decision("architect"),
		decision("analyst"),
		decision("data-exporter"),
	}, TemplateFull)
	require.NoError(t, err)

	assert.Equal(t, TemplateFull, wf.Template)
	assert.Equal(t, core.WorkflowCreated, wf.State)
	require.Len(t, wf.Phases, 4)
	require.Len(t, wf.Tasks, 5)

	analyst := taskFor(t, wf, "analyst")
	architect := taskFor(t, wf, "architect")
	backend := taskFor(t, wf, "backend")
	tester := taskFor(t, wf, "tester")
	exporter := taskFor(t, wf, "data-exporter")

	assert.Equal(t, core.PhaseDiscovery, analyst.Phase)
	assert.Equal(t, core.PhaseDesign, architect.Phase)
	assert.Equal(t, core.PhaseImplementation, backend.Phase)
	assert.Equal(t, core.PhaseValidation, tester.Phase)
	assert.Equal(t, core.PhaseImplementation, exporter.Phase)

	assert.Empty(t, analyst.DependsOn)
	assert.Equal(t, []core.TaskID{analyst.ID}, architect.DependsOn)
	assert.Equal(t, []core.TaskID{architect.ID}, backend.DependsOn)
	assert.Equal(t, []core.TaskID{backend.ID}, tester.DependsOn)
	assert.Empty(t, exporter.DependsOn)

	for _, task := range wf.Tasks {
		assert.Equal(t, wf.ID, task.WorkflowID)
		assert.Equal(t, core.TaskQueued, task.State)
	}

	plan, err := Validate(wf)
	require.NoError(t, err)
	assert.Len(t, plan.Order, 5)
	assert.Equal(t, []core.TaskID{analyst.ID, exporter.ID}, plan.Levels[0])
}

func TestBuild_QuickTemplateCollapsesEarlyPhases(t *testing.T) {
	wf, err := newBuilder().Build([]core.RoutingDecision{
		decision("analyst"),
		decision("architect"),
		decision("tester"),
		decision("backend"),
	}, TemplateQuick)
	require.NoError(t, err)

	architect := taskFor(t, wf, "architect")
	tester := taskFor(t, wf, "tester")
	backend := taskFor(t, wf, "backend")

	assert.Equal(t, core.PhaseImplementation, taskFor(t, wf, "analyst").Phase)
	assert.Equal(t, core.PhaseImplementation, architect.Phase)
	// Same phase: no edge even though backend consumes architecture.
	assert.Empty(t, backend.DependsOn)
	assert.Equal(t, core.PhaseValidation, tester.Phase)
	assert.Equal(t, []core.TaskID{backend.ID}, tester.DependsOn)
}

func TestBuild_DirectTemplateHasNoEdges(t *testing.T) {
	wf, err := newBuilder().Build([]core.RoutingDecision{
		decision("analyst"), decision("architect"), decision("tester"),
	}, TemplateDirect)
	require.NoError(t, err)

	require.Len(t, wf.Phases, 1)
	for _, task := range wf.Tasks {
		assert.Equal(t, core.PhaseImplementation, task.Phase)
		assert.Empty(t, task.DependsOn)
	}
}

func TestBuild_FanOutSiblingsShareAPhase(t *testing.T) {
	wf, err := newBuilder().Build([]core.RoutingDecision{decision("backend", "architect")}, TemplateFull)
	require.NoError(t, err)

	backend := taskFor(t, wf, "backend")
	architect := taskFor(t, wf, "architect")
	assert.Equal(t, core.PhaseDesign, backend.Phase)
	assert.Equal(t, core.PhaseDesign, architect.Phase)
	assert.Empty(t, backend.DependsOn)
	assert.Empty(t, architect.DependsOn)
	assert.Equal(t, backend.Decision.SelectedWorkers, architect.Decision.SelectedWorkers)
}

func TestBuild_ExplicitStage(t *testing.T) {
	d := decision("backend")
	d.Request.Stage = core.PhaseValidation
	wf, err := newBuilder().Build([]core.RoutingDecision{d}, TemplateFull)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseValidation, taskFor(t, wf, "backend").Phase)
}

func TestBuild_ContextProducerCreatesEdge(t *testing.T) {
	exporter := decision("data-exporter")
	exporter.Request.ContextData = map[string]core.ContextOutput{
		"analyst": {WorkerID: "analyst", Payload: "scope"},
	}
	wf, err := newBuilder().Build([]core.RoutingDecision{decision("analyst"), exporter}, TemplateFull)
	require.NoError(t, err)

	analyst := taskFor(t, wf, "analyst")
	assert.Equal(t, []core.TaskID{analyst.ID}, taskFor(t, wf, "data-exporter").DependsOn)
}

func TestBuild_CarriesWorkerMetadata(t *testing.T) {
	pool := testutil.Pool()
	pool[2].Locks = []string{"database"}
	pool[2].Class = "heavy"
	b := New(registry.NewSnapshot(pool...), WithIDGenerator(sequentialIDs()))

	d := decision("backend")
	d.Request.Variant = "fast"
	wf, err := b.Build([]core.RoutingDecision{d}, TemplateFull)
	require.NoError(t, err)

	task := taskFor(t, wf, "backend")
	assert.Equal(t, []string{"database"}, task.Locks)
	assert.Equal(t, "heavy", task.Class)
	assert.Equal(t, "fast", task.Variant)
	require.NotNil(t, wf.Request)
	assert.Equal(t, "req", wf.Request.ID)
}

func TestBuild_UnknownWorkerDefaultsToImplementation(t *testing.T) {
	wf, err := newBuilder().Build([]core.RoutingDecision{decision("ghost")}, TemplateFull)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseImplementation, taskFor(t, wf, "ghost").Phase)
}

func TestBuild_NoDecisions(t *testing.T) {
	wf, err := newBuilder().Build(nil, TemplateBuild)
	require.NoError(t, err)
	assert.Len(t, wf.Phases, 3)
	assert.Empty(t, wf.Tasks)
	assert.Nil(t, wf.Request)
}

func TestBuild_UnknownTemplate(t *testing.T) {
	_, err := newBuilder().Build([]core.RoutingDecision{decision("backend")}, "waterfall")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeInvalidTemplate))
}

func TestLookupTemplate(t *testing.T) {
	tests := []struct {
		name    string
		want    []core.Phase
		wantErr bool
	}{
		{name: "", want: core.AllPhases()},
		{name: "Review", want: []core.Phase{core.PhaseDiscovery, core.PhaseValidation}},
		{name: "discovery, implementation", want: []core.Phase{core.PhaseDiscovery, core.PhaseImplementation}},
		{name: "design,discovery", wantErr: true},
		{name: "design,design", wantErr: true},
		{name: "design,shipping", wantErr: true},
		{name: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := LookupTemplate(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tmpl.Phases)
		})
	}
}

func TestTemplate_Place(t *testing.T) {
	tmpl, err := LookupTemplate(TemplateReview)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDiscovery, tmpl.place(core.PhaseDiscovery))
	assert.Equal(t, core.PhaseDiscovery, tmpl.place(core.PhaseImplementation))
	assert.Equal(t, core.PhaseValidation, tmpl.place(core.PhaseValidation))

	quick, err := LookupTemplate(TemplateQuick)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseImplementation, quick.place(core.PhaseDiscovery))
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"build", "direct", "full", "quick", "review"}, Names())
	assert.True(t, IsTemplate("quick"))
	assert.False(t, IsTemplate("quick,"))
}

func TestExtend_WiresToExistingTasks(t *testing.T) {
	b := newBuilder()
	wf, err := b.Build([]core.RoutingDecision{decision("analyst")}, TemplateFull)
	require.NoError(t, err)

	require.NoError(t, b.Extend(wf, []core.RoutingDecision{decision("architect")}))
	architect := taskFor(t, wf, "architect")
	assert.Equal(t, []core.TaskID{taskFor(t, wf, "analyst").ID}, architect.DependsOn)
	assert.Len(t, wf.TaskOrder, 2)
}

func TestReplace(t *testing.T) {
	b := newBuilder()
	wf, err := b.Build([]core.RoutingDecision{decision("architect"), decision("backend")}, TemplateFull)
	require.NoError(t, err)

	architect := taskFor(t, wf, "architect")
	backend := taskFor(t, wf, "backend")
	require.NoError(t, architect.MarkDispatched())
	require.NoError(t, architect.MarkRunning())
	require.NoError(t, architect.MarkFailed(core.CodeWorkerFailed, nil))

	replacement, err := b.Replace(wf, architect, decision("analyst"))
	require.NoError(t, err)

	assert.Equal(t, core.PhaseDesign, replacement.Phase)
	assert.Equal(t, architect.ID, replacement.Replaces)
	assert.Equal(t, []string{"architect"}, replacement.Tried)
	assert.Equal(t, replacement.ID, architect.ReplacedBy)
	assert.True(t, architect.IsResolved())
	assert.Equal(t, []core.TaskID{replacement.ID}, backend.DependsOn)

	_, err = b.Replace(wf, backend, core.RoutingDecision{})
	assert.Error(t, err)

	require.NoError(t, backend.MarkDispatched())
	_, err = b.Replace(wf, backend, decision("analyst"))
	assert.True(t, core.HasCode(err, core.CodeInvalidState))
}

func TestBuild_PerMentionDecisionsKeepPhaseEdges(t *testing.T) {
	req := core.Request{ID: "req", ExplicitWorkerRef: "analyst", Mentions: []string{"analyst", "architect"}}
	var decisions []core.RoutingDecision
	for _, part := range req.PerMention() {
		decisions = append(decisions, core.RoutingDecision{
			Request:         part,
			SelectedWorkers: []string{part.ExplicitWorkerRef},
			Method:          core.RoutingDeterministic,
			Score:           1,
			Scores:          []float64{1},
		})
	}

	wf, err := newBuilder().Build(decisions, TemplateFull)
	require.NoError(t, err)

	analyst := taskFor(t, wf, "analyst")
	architect := taskFor(t, wf, "architect")
	assert.Equal(t, core.PhaseDiscovery, analyst.Phase)
	assert.Equal(t, core.PhaseDesign, architect.Phase)
	assert.Equal(t, []core.TaskID{analyst.ID}, architect.DependsOn)
}
