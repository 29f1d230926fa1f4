package fetch

import (
	"github.com/pkg/errors"

	"construct/internal/canonical"
	"construct/internal/conforms"
	"construct/internal/domain"
)

// checkResponse validates the remote's answer before the promise resolves.
// Three gates, each individually configurable: event id recomputation,
// structural conformance, and signature verification against cached keys.
// A failure means the response is discarded and the next origin is tried.
func (c *Coordinator) checkResponse(r *request, comp completion) (Result, error) {
	if len(comp.pdus) == 0 {
		return Result{}, errors.New("empty pdus")
	}
	raw := []byte(comp.pdus[0])
	ev, err := domain.ParseEvent(raw)
	if err != nil {
		return Result{}, errors.Wrapf(domain.ErrInvalidEvent, "unparseable: %v", err)
	}

	if c.cfg.CheckEventID {
		id, err := canonical.EventID(raw)
		if err != nil {
			return Result{}, errors.Wrapf(domain.ErrInvalidEvent, "event id: %v", err)
		}
		if domain.EventID(id) != r.eventID {
			return Result{}, errors.Wrapf(domain.ErrInvalidEvent,
				"event id mismatch: got %s want %s", id, r.eventID)
		}
	}

	if c.cfg.CheckConforms {
		if report := conforms.Check(ev); !report.Clean() {
			return Result{}, errors.Wrapf(domain.ErrInvalidEvent, "conforms: %s", report)
		}
	}

	sig := SigUnchecked
	if c.cfg.CheckSignature {
		origin := ev.ClaimedOrigin()
		keyID := ev.FirstKeyID()
		if keyID == "" {
			return Result{}, errors.Wrapf(domain.ErrInvalidEvent, "no signature by %s", origin)
		}
		// Keys are never fetched here; a missing key leaves the
		// signature unchecked rather than stalling the worker.
		if pub, ok := c.keys.Get(origin, keyID); ok {
			if err := canonical.VerifyEvent(raw, string(origin), keyID, pub); err != nil {
				return Result{}, errors.Wrapf(domain.ErrInvalidEvent, "signature: %v", err)
			}
			sig = SigVerified
		}
	}

	return Result{Raw: raw, Event: ev, Sig: sig}, nil
}
