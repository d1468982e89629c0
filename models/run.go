package models

import "time"

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run describes one capture run and where its artifacts ended up.
type Run struct {
	ID         string                  `json:"id"`
	URL        string                  `json:"url"`
	Status     string                  `json:"status"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Artifacts  map[ArtifactKind]string `json:"artifacts,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Failed reports whether the run ended in an error.
func (r *Run) Failed() bool {
	return r.Status == RunFailed
}
