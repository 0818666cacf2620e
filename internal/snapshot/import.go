package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// deleter is implemented by stores that can drop a workflow and its log.
type deleter interface {
	Delete(ctx context.Context, id core.WorkflowID) error
}

// Import restores workflows and their audit logs from a snapshot archive.
//
// A workflow already present in the store is skipped, overwritten or makes
// the import fail according to the conflict policy. Overwriting requires a
// store that can delete, so that the restored audit log replaces the old one.
func Import(ctx context.Context, store core.StateStore, opts *ImportOptions) (*ImportReport, error) {
	if opts == nil {
		return nil, fmt.Errorf("options are required")
	}
	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = ConflictSkip
	}
	switch opts.ConflictPolicy {
	case ConflictSkip, ConflictOverwrite, ConflictFail:
	default:
		return nil, core.ErrValidation(core.CodeInvalidOption,
			fmt.Sprintf("invalid conflict policy: %s", opts.ConflictPolicy))
	}

	manifest, files, err := loadArchive(opts.InputPath)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{
		DryRun:         opts.DryRun,
		ConflictPolicy: opts.ConflictPolicy,
		Manifest:       manifest,
		Workflows:      make([]WorkflowImportReport, 0, len(manifest.Workflows)),
		Warnings:       make([]string, 0),
	}

	for _, entry := range manifest.Workflows {
		wr, err := importWorkflow(ctx, store, files, entry, opts)
		if err != nil {
			return nil, err
		}
		report.Workflows = append(report.Workflows, wr)
	}

	if opts.IncludeStats && manifest.StatsPresent {
		f, ok := files[statsArchivePath]
		if !ok {
			report.Warnings = append(report.Warnings, "manifest indicates worker stats but archive entry is missing")
			return report, nil
		}
		var stats map[string]core.PerformanceStats
		if err := json.Unmarshal(f.Data, &stats); err != nil {
			return nil, fmt.Errorf("decoding worker stats: %w", err)
		}
		if !opts.DryRun {
			if err := store.SaveWorkerStats(ctx, stats); err != nil {
				return nil, fmt.Errorf("restoring worker stats: %w", err)
			}
		}
		report.StatsRestored = true
	}

	return report, nil
}

func importWorkflow(ctx context.Context, store core.StateStore, files map[string]archivedFile, entry WorkflowEntry, opts *ImportOptions) (WorkflowImportReport, error) {
	wr := WorkflowImportReport{WorkflowID: entry.ID}

	var wf core.Workflow
	if err := json.Unmarshal(files[workflowArchivePath(entry.ID, workflowFileName)].Data, &wf); err != nil {
		return wr, fmt.Errorf("decoding workflow %s: %w", entry.ID, err)
	}
	if wf.ID != entry.ID {
		return wr, fmt.Errorf("workflow %s archived under id %s", wf.ID, entry.ID)
	}
	evs, err := decodeEvents(files[workflowArchivePath(entry.ID, eventsFileName)].Data)
	if err != nil {
		return wr, fmt.Errorf("decoding events of %s: %w", entry.ID, err)
	}
	wr.Events = len(evs)

	exists, err := workflowExists(ctx, store, entry.ID)
	if err != nil {
		return wr, err
	}
	wr.Action = "imported"
	if exists {
		conflict := fmt.Sprintf("workflow %s already exists", entry.ID)
		switch opts.ConflictPolicy {
		case ConflictFail:
			return wr, core.ErrState(core.CodeInvalidState, "import conflict: "+conflict)
		case ConflictSkip:
			wr.Action, wr.Reason, wr.Events = "skipped", conflict, 0
			return wr, nil
		}
		del, ok := store.(deleter)
		if !ok {
			wr.Action, wr.Reason, wr.Events = "skipped", "store cannot replace existing workflows", 0
			return wr, nil
		}
		wr.Action, wr.Reason = "overwritten", conflict
		if !opts.DryRun {
			if err := del.Delete(ctx, entry.ID); err != nil {
				return wr, fmt.Errorf("removing workflow %s: %w", entry.ID, err)
			}
		}
	}

	if opts.DryRun {
		return wr, nil
	}
	if err := store.Save(ctx, &wf); err != nil {
		return wr, fmt.Errorf("saving workflow %s: %w", entry.ID, err)
	}
	for _, ev := range evs {
		if err := store.AppendEvent(ctx, entry.ID, ev); err != nil {
			return wr, fmt.Errorf("restoring event %d of %s: %w", ev.Seq, entry.ID, err)
		}
	}
	return wr, nil
}

func workflowExists(ctx context.Context, store core.StateStore, id core.WorkflowID) (bool, error) {
	_, err := store.Load(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case core.IsCategory(err, core.ErrCatNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("checking workflow %s: %w", id, err)
	}
}

func decodeEvents(data []byte) ([]core.StoredEvent, error) {
	var evs []core.StoredEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntrySize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev core.StoredEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, scanner.Err()
}
