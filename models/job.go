package models

import "time"

// JobOptions are the per-run knobs passed with enqueue
type JobOptions struct {
	ForceReindex  bool  `bson:"force_reindex,omitempty" json:"force_reindex,omitempty"`
	MaxPages      int   `bson:"max_pages,omitempty" json:"max_pages,omitempty"`
	MaxDepth      int   `bson:"max_depth,omitempty" json:"max_depth,omitempty"`
	IncludeImages *bool `bson:"include_images,omitempty" json:"include_images,omitempty"`
	DryRun        bool  `bson:"dry_run,omitempty" json:"dry_run,omitempty"`
}

// Job is the claim row that gives an asset single-flight processing.
// Active is true while the job is pending or processing; the store keeps at
// most one active job per asset.
type Job struct {
	ID         string     `bson:"_id" json:"id"`
	TenantID   string     `bson:"tenant_id" json:"tenant_id"`
	AssetID    string     `bson:"asset_id" json:"asset_id"`
	AssetType  AssetType  `bson:"asset_type" json:"asset_type"`
	Status     string     `bson:"status" json:"status"`
	Active     bool       `bson:"active" json:"-"`
	Progress   int        `bson:"progress" json:"progress"`
	Error      string     `bson:"error,omitempty" json:"error,omitempty"`
	Options    JobOptions `bson:"options" json:"options"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	StartedAt  *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt *time.Time `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// JobStatus is the getStatus view of a job
type JobStatus struct {
	JobID    string `json:"job_id"`
	AssetID  string `json:"asset_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// View returns the public status of the job
func (j *Job) View() JobStatus {
	return JobStatus{
		JobID:    j.ID,
		AssetID:  j.AssetID,
		Status:   j.Status,
		Progress: j.Progress,
		Error:    j.Error,
	}
}
