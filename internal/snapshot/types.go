package snapshot

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

const (
	// FormatVersion is the current snapshot manifest format version.
	FormatVersion = 1

	manifestArchivePath  = "manifest.json"
	statsArchivePath     = "stats.json"
	workflowsArchiveRoot = "workflows"
	workflowFileName     = "workflow.json"
	eventsFileName       = "events.jsonl"
)

// ConflictPolicy controls how import handles workflows already in the store.
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictFail      ConflictPolicy = "fail"
)

// FileEntry describes one archived file.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// WorkflowEntry captures workflow metadata embedded in the manifest.
type WorkflowEntry struct {
	ID        core.WorkflowID    `json:"id"`
	Template  string             `json:"template"`
	State     core.WorkflowState `json:"state"`
	Tasks     int                `json:"tasks"`
	Events    int                `json:"events"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Manifest is the metadata file stored at snapshot root.
type Manifest struct {
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	DispatchVersion string          `json:"dispatch_version,omitempty"`
	StatsPresent    bool            `json:"stats_present"`
	Workflows       []WorkflowEntry `json:"workflows"`
	Files           []FileEntry     `json:"files"`
}

// ExportOptions configures snapshot export.
type ExportOptions struct {
	OutputPath string
	// WorkflowIDs limits the export; empty exports every stored workflow.
	WorkflowIDs     []core.WorkflowID
	IncludeStats    bool
	DispatchVersion string
}

// ExportResult summarizes a completed export.
type ExportResult struct {
	OutputPath string    `json:"output_path"`
	Manifest   *Manifest `json:"manifest"`
}

// ImportOptions configures snapshot import.
type ImportOptions struct {
	InputPath      string
	ConflictPolicy ConflictPolicy
	IncludeStats   bool
	DryRun         bool
}

// WorkflowImportReport describes what import did with one workflow.
type WorkflowImportReport struct {
	WorkflowID core.WorkflowID `json:"workflow_id"`
	Action     string          `json:"action"`
	Events     int             `json:"events"`
	Reason     string          `json:"reason,omitempty"`
}

// ImportReport summarizes an import.
type ImportReport struct {
	DryRun         bool                   `json:"dry_run"`
	ConflictPolicy ConflictPolicy         `json:"conflict_policy"`
	Manifest       *Manifest              `json:"manifest"`
	Workflows      []WorkflowImportReport `json:"workflows"`
	StatsRestored  bool                   `json:"stats_restored"`
	Warnings       []string               `json:"warnings"`
}
