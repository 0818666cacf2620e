package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Export writes the selected workflows, their audit logs and optionally the
// worker statistics into a gzip-compressed tar archive.
func Export(ctx context.Context, store core.StateStore, opts *ExportOptions) (*ExportResult, error) {
	if opts == nil || opts.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}

	ids, err := selectWorkflows(ctx, store, opts.WorkflowIDs)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	defer out.Close()

	gzWriter := gzip.NewWriter(out)
	tarWriter := tar.NewWriter(gzWriter)

	manifest := &Manifest{
		Version:         FormatVersion,
		CreatedAt:       time.Now().UTC(),
		DispatchVersion: opts.DispatchVersion,
		Workflows:       make([]WorkflowEntry, 0, len(ids)),
		Files:           make([]FileEntry, 0, 2*len(ids)+1),
	}

	for _, id := range ids {
		entry, err := exportWorkflow(ctx, store, tarWriter, manifest, id)
		if err != nil {
			return nil, err
		}
		manifest.Workflows = append(manifest.Workflows, entry)
	}

	if opts.IncludeStats {
		stats, err := store.LoadWorkerStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading worker stats: %w", err)
		}
		if len(stats) > 0 {
			data, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encoding worker stats: %w", err)
			}
			if err := addBytesToArchive(tarWriter, manifest, statsArchivePath, data); err != nil {
				return nil, err
			}
			manifest.StatsPresent = true
		}
	}

	manifestData, err := encodeManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeTarEntry(tarWriter, manifestArchivePath, manifestData); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("closing snapshot file: %w", err)
	}

	return &ExportResult{OutputPath: opts.OutputPath, Manifest: manifest}, nil
}

// selectWorkflows resolves the requested ids, or every stored workflow.
func selectWorkflows(ctx context.Context, store core.StateStore, requested []core.WorkflowID) ([]core.WorkflowID, error) {
	if len(requested) > 0 {
		seen := make(map[core.WorkflowID]bool, len(requested))
		ids := make([]core.WorkflowID, 0, len(requested))
		for _, id := range requested {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, nil
	}

	list, err := store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	ids := make([]core.WorkflowID, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.WorkflowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func exportWorkflow(ctx context.Context, store core.StateStore, tw *tar.Writer, manifest *Manifest, id core.WorkflowID) (WorkflowEntry, error) {
	wf, err := store.Load(ctx, id)
	if err != nil {
		return WorkflowEntry{}, fmt.Errorf("loading workflow %s: %w", id, err)
	}
	evs, err := store.Events(ctx, id)
	if err != nil {
		return WorkflowEntry{}, fmt.Errorf("loading events of %s: %w", id, err)
	}

	body, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return WorkflowEntry{}, fmt.Errorf("encoding workflow %s: %w", id, err)
	}
	if err := addBytesToArchive(tw, manifest, workflowArchivePath(id, workflowFileName), body); err != nil {
		return WorkflowEntry{}, err
	}

	var lines bytes.Buffer
	enc := json.NewEncoder(&lines)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return WorkflowEntry{}, fmt.Errorf("encoding event %d of %s: %w", ev.Seq, id, err)
		}
	}
	if err := addBytesToArchive(tw, manifest, workflowArchivePath(id, eventsFileName), lines.Bytes()); err != nil {
		return WorkflowEntry{}, err
	}

	return WorkflowEntry{
		ID:        wf.ID,
		Template:  wf.Template,
		State:     wf.State,
		Tasks:     len(wf.Tasks),
		Events:    len(evs),
		CreatedAt: wf.CreatedAt,
		UpdatedAt: wf.UpdatedAt,
	}, nil
}
