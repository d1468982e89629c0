package capture

import "github.com/use-agent/pagecapture/models"

// Result describes one finished page visit. The artifact files live in the
// driver's work directory until the caller files and removes them.
type Result struct {
	RunID string

	// URL is the address navigated to; FinalURL is where the page ended up.
	URL      string
	FinalURL string

	Title      string
	StatusCode int

	// Artifacts are in models.Kinds order.
	Artifacts []models.Artifact

	// Requests is the number of entries in the network log.
	Requests int
	// Frames is the number of screencast frames kept in the trace.
	Frames int
}

// Paths returns the temporary file of every artifact.
func (r *Result) Paths() []string {
	out := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		out = append(out, a.SourcePath)
	}
	return out
}
