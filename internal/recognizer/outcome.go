package recognizer

// Kind discriminates recognition outcomes.
type Kind int

const (
	// KindNoMatch means neither the local index nor the external services
	// identified the segment.
	KindNoMatch Kind = iota
	// KindLocal is a hit in the local fingerprint index.
	KindLocal
	// KindExternal is a candidate from one of the external services.
	KindExternal
)

// Descriptor is the metadata an external service returned for a recording.
type Descriptor struct {
	Title      string
	Artist     string
	Album      string
	Label      string
	ISRC       string
	Confidence float64
	Method     string
}

// Outcome is the result of recognizing one segment.
type Outcome struct {
	Kind Kind

	// TrackID and Confidence are set for KindLocal.
	TrackID    uint
	Confidence float64

	// Descriptor is set for KindExternal.
	Descriptor *Descriptor
}

func noMatch() *Outcome { return &Outcome{Kind: KindNoMatch} }
