package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

func seedStore(t *testing.T, ids ...core.WorkflowID) *state.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := state.NewMemoryStore()
	for _, id := range ids {
		wf := core.NewWorkflow(id, "feature")
		wf.Request = &core.Request{ID: "req-" + string(id), RawInput: "add a billing page"}
		require.NoError(t, wf.AddPhase(core.PhaseDiscovery))
		require.NoError(t, wf.AddTask(core.NewTask(core.TaskID("t-"+string(id)), "requirements-analyst", core.PhaseDiscovery)))
		require.NoError(t, store.Save(ctx, wf))
		require.NoError(t, store.AppendEvent(ctx, id, core.StoredEvent{Type: "workflow_created"}))
		require.NoError(t, store.AppendEvent(ctx, id, core.StoredEvent{Type: "task_dispatched", TaskID: core.TaskID("t-" + string(id))}))
	}
	require.NoError(t, store.SaveWorkerStats(ctx, map[string]core.PerformanceStats{
		"requirements-analyst": {SuccessRate: 0.75, Outcomes: 4},
	}))
	return store
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t, "wf-a", "wf-b")
	out := filepath.Join(t.TempDir(), "snap", "dispatch.tar.gz")

	res, err := Export(ctx, src, &ExportOptions{OutputPath: out, IncludeStats: true, DispatchVersion: "v0.1.0"})
	require.NoError(t, err)
	require.Len(t, res.Manifest.Workflows, 2)
	assert.Equal(t, core.WorkflowID("wf-a"), res.Manifest.Workflows[0].ID)
	assert.Equal(t, 2, res.Manifest.Workflows[0].Events)
	assert.True(t, res.Manifest.StatsPresent)

	manifest, err := Validate(out)
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", manifest.DispatchVersion)
	assert.Len(t, manifest.Files, 5)

	dst := state.NewMemoryStore()
	report, err := Import(ctx, dst, &ImportOptions{InputPath: out, IncludeStats: true})
	require.NoError(t, err)
	require.Len(t, report.Workflows, 2)
	assert.Equal(t, "imported", report.Workflows[0].Action)
	assert.True(t, report.StatsRestored)

	wf, err := dst.Load(ctx, "wf-b")
	require.NoError(t, err)
	assert.Equal(t, "add a billing page", wf.Request.RawInput)
	assert.Contains(t, wf.Tasks, core.TaskID("t-wf-b"))

	evs, err := dst.Events(ctx, "wf-b")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "task_dispatched", evs[1].Type)

	stats, err := dst.LoadWorkerStats(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, stats["requirements-analyst"].SuccessRate, 1e-9)
}

func TestExport_SelectedWorkflows(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t, "wf-a", "wf-b")
	out := filepath.Join(t.TempDir(), "one.tar.gz")

	res, err := Export(ctx, src, &ExportOptions{OutputPath: out, WorkflowIDs: []core.WorkflowID{"wf-b", "wf-b"}})
	require.NoError(t, err)
	require.Len(t, res.Manifest.Workflows, 1)
	assert.Equal(t, core.WorkflowID("wf-b"), res.Manifest.Workflows[0].ID)
	assert.False(t, res.Manifest.StatsPresent)

	_, err = Export(ctx, src, &ExportOptions{OutputPath: out, WorkflowIDs: []core.WorkflowID{"wf-missing"}})
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestImport_ConflictPolicies(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t, "wf-a")
	out := filepath.Join(t.TempDir(), "snap.tar.gz")
	_, err := Export(ctx, src, &ExportOptions{OutputPath: out})
	require.NoError(t, err)

	// Destination already holds wf-a with a single event.
	dst := state.NewMemoryStore()
	require.NoError(t, dst.Save(ctx, core.NewWorkflow("wf-a", "review")))
	require.NoError(t, dst.AppendEvent(ctx, "wf-a", core.StoredEvent{Type: "workflow_created"}))

	report, err := Import(ctx, dst, &ImportOptions{InputPath: out})
	require.NoError(t, err)
	assert.Equal(t, "skipped", report.Workflows[0].Action)

	_, err = Import(ctx, dst, &ImportOptions{InputPath: out, ConflictPolicy: ConflictFail})
	assert.True(t, core.IsCategory(err, core.ErrCatState))

	report, err = Import(ctx, dst, &ImportOptions{InputPath: out, ConflictPolicy: ConflictOverwrite, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "overwritten", report.Workflows[0].Action)
	wf, err := dst.Load(ctx, "wf-a")
	require.NoError(t, err)
	assert.Equal(t, "review", wf.Template, "dry run must not write")

	_, err = Import(ctx, dst, &ImportOptions{InputPath: out, ConflictPolicy: ConflictOverwrite})
	require.NoError(t, err)
	wf, err = dst.Load(ctx, "wf-a")
	require.NoError(t, err)
	assert.Equal(t, "feature", wf.Template)
	evs, err := dst.Events(ctx, "wf-a")
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	_, err = Import(ctx, dst, &ImportOptions{InputPath: out, ConflictPolicy: "merge"})
	assert.True(t, core.HasCode(err, core.CodeInvalidOption))
}

func TestValidate_RejectsTamperedArchive(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bad.tar.gz")
	f, err := os.Create(out)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	manifest := &Manifest{
		Version:   FormatVersion,
		Workflows: []WorkflowEntry{{ID: "wf-a"}},
		Files:     []FileEntry{{Path: "workflows/wf-a/workflow.json", SHA256: checksum([]byte("{}")), Size: 2}},
	}
	require.NoError(t, writeTarEntry(tw, "workflows/wf-a/workflow.json", []byte("[]")))
	data, err := encodeManifest(manifest)
	require.NoError(t, err)
	require.NoError(t, writeTarEntry(tw, manifestArchivePath, data))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, err = Validate(out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestCleanArchivePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"workflows/wf-a/workflow.json", "workflows/wf-a/workflow.json", false},
		{"./manifest.json", "manifest.json", false},
		{"/etc/passwd", "", true},
		{"../outside", "", true},
		{"workflows/../../x", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := cleanArchivePath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
