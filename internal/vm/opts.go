package vm

import "construct/internal/domain"

// Opts tunes one evaluation. The zero value is unbounded and value-sorted
// with every check and prev fetch off; DefaultOpts gives the common
// remote-batch shape.
type Opts struct {
	// Limit truncates the input batch before sorting. Zero means no bound.
	Limit int

	// Ordered preserves the submission order instead of sorting by
	// (depth, event_id).
	Ordered bool

	// NodeID restricts batched key fetching to keys claimed by this
	// origin, so one remote cannot make us query keys for the world.
	NodeID domain.ServerName

	// FetchPrev resolves unknown prev_events through the fetch unit
	// under a child evaluation.
	FetchPrev bool

	// FetchPrevBufsz is handed through to fetch submission.
	FetchPrevBufsz int

	// Conforms toggles the structural checklist.
	Conforms bool

	// VerifySignature requires a valid origin signature before auth.
	VerifySignature bool

	// Auth toggles the authorization rules.
	Auth bool
}

// DefaultOpts is the stock remote-batch evaluation.
func DefaultOpts() Opts {
	return Opts{
		Limit:           128,
		FetchPrev:       true,
		FetchPrevBufsz:  8,
		Conforms:        true,
		VerifySignature: true,
		Auth:            true,
	}
}
