package models

// ArtifactKind names the subdirectory an artifact is filed under.
type ArtifactKind string

// Artifact kinds, in the order a run files them.
const (
	KindSnapshot ArtifactKind = "snapshots"
	KindDOM      ArtifactKind = "dom"
	KindHAR      ArtifactKind = "har"
	KindTrace    ArtifactKind = "trace"
)

// Kinds lists every artifact kind in filing order.
var Kinds = []ArtifactKind{KindSnapshot, KindDOM, KindHAR, KindTrace}

// Artifact is one captured output of a browser session waiting to be filed.
type Artifact struct {
	Kind       ArtifactKind
	SourcePath string
	RunID      string
}
