package vm

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"construct/internal/auth"
	"construct/internal/canonical"
	"construct/internal/conforms"
	"construct/internal/domain"
	"construct/internal/fetch"
	"construct/internal/keys"
	"construct/internal/storage"
)

// Fetcher resolves unknown referenced events. Satisfied by the fetch
// coordinator.
type Fetcher interface {
	Submit(room domain.RoomID, eventID domain.EventID, bufsz int) (fetch.Future, error)
}

// VM drives evaluations: batches of remote events move through conformance,
// reference resolution, signature verification, authorization and
// persistence, committing under a strictly increasing sequence.
type VM struct {
	reg     *Registry
	fetcher Fetcher
	keys    *keys.Cache
	auth    auth.Authorizer
	store   storage.Engine
	local   domain.ServerName
	log     zerolog.Logger

	seqMu   sync.Mutex
	lastSeq uint64
}

func New(reg *Registry, fetcher Fetcher, kc *keys.Cache, az auth.Authorizer, store storage.Engine, local domain.ServerName, log zerolog.Logger) (*VM, error) {
	seq, err := store.MaxSeq(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "vm: recover sequence")
	}
	return &VM{
		reg:     reg,
		fetcher: fetcher,
		keys:    kc,
		auth:    az,
		store:   store,
		local:   local,
		log:     log.With().Str("component", "m.vm").Logger(),
		lastSeq: seq,
	}, nil
}

func (vm *VM) Registry() *Registry { return vm.reg }

// Execute evaluates a batch of pdus under eval. The batch is truncated to
// opts.Limit and then value-sorted by (depth, event_id) unless opts.Ordered.
// Events commit in evaluation order; the commit order within an eval is
// never reordered after sorting. The first failing event aborts the batch.
func (vm *VM) Execute(ctx context.Context, eval *Eval, pdus []json.RawMessage) error {
	opts := eval.Opts()
	if opts.Limit > 0 && len(pdus) > opts.Limit {
		pdus = pdus[:opts.Limit]
	}
	eval.SetPDUs(pdus)

	events := make([]*domain.Event, 0, len(pdus))
	for _, raw := range pdus {
		ev, err := domain.ParseEvent(raw)
		if err != nil {
			return errors.Wrapf(domain.ErrInvalidEvent, "parse: %v", err)
		}
		events = append(events, ev)
	}
	if !opts.Ordered {
		sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
	}

	if opts.VerifySignature {
		if err := vm.mfetchKeys(ctx, events, opts.NodeID); err != nil {
			vm.log.Debug().Err(err).Msg("batched key fetch incomplete")
		}
	}

	for _, ev := range events {
		if err := vm.evaluate(ctx, eval, ev); err != nil {
			return errors.Wrapf(err, "evaluate %s", ev.EventID)
		}
	}
	return nil
}

// ExecuteEvent evaluates a single already-parsed event under eval.
func (vm *VM) ExecuteEvent(ctx context.Context, eval *Eval, ev *domain.Event) error {
	eval.SetEvent(ev)
	opts := eval.Opts()
	if opts.VerifySignature {
		if err := vm.mfetchKeys(ctx, []*domain.Event{ev}, opts.NodeID); err != nil {
			vm.log.Debug().Err(err).Msg("key fetch incomplete")
		}
	}
	return vm.evaluate(ctx, eval, ev)
}

// mfetchKeys collects the missing (origin, key_id) pairs across the batch
// and resolves them with one key-cache Fetch call, which issues a separate
// federated round per origin; queries for different origins are not
// combined into one request. When nodeID is set, keys claimed by any other
// origin are not fetched.
func (vm *VM) mfetchKeys(ctx context.Context, events []*domain.Event, nodeID domain.ServerName) error {
	seen := make(map[keys.Query]struct{})
	var queries []keys.Query
	for _, ev := range events {
		origin := ev.ClaimedOrigin()
		if nodeID != "" && origin != nodeID {
			continue
		}
		keyID := ev.FirstKeyID()
		if keyID == "" {
			continue
		}
		q := keys.Query{Server: origin, KeyID: keyID}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		if vm.keys.Has(q.Server, q.KeyID) {
			continue
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return nil
	}
	return vm.keys.Fetch(ctx, queries)
}

func (vm *VM) evaluate(ctx context.Context, eval *Eval, ev *domain.Event) error {
	opts := eval.Opts()

	if opts.Conforms {
		if report := conforms.Check(ev); !report.Clean() {
			return errors.Wrapf(domain.ErrInvalidEvent, "conforms: %s", report)
		}
	}

	if opts.FetchPrev {
		if err := vm.fetchPrev(ctx, eval, ev); err != nil {
			return err
		}
	}

	if opts.VerifySignature {
		if err := vm.verify(ev); err != nil {
			return err
		}
	}

	if opts.Auth {
		if err := vm.auth.Authorize(ctx, ev); err != nil {
			return errors.Wrapf(domain.ErrInvalidEvent, "%v", err)
		}
	}

	return vm.commit(ctx, eval, ev)
}

// fetchPrev resolves unknown prev_events through the fetch unit. Each
// fetched event evaluates under a child eval before this event proceeds;
// the parent waits for its children.
func (vm *VM) fetchPrev(ctx context.Context, eval *Eval, ev *domain.Event) error {
	var futures []fetch.Future
	for _, ref := range ev.PrevEvents {
		known, err := vm.store.HasEvent(ctx, ref.EventID)
		if err != nil {
			return errors.Wrap(err, "resolve prev_events")
		}
		if known {
			continue
		}
		fut, err := vm.fetcher.Submit(ev.RoomID, ref.EventID, eval.Opts().FetchPrevBufsz)
		if err != nil {
			if errors.Is(err, domain.ErrUnavailable) {
				continue
			}
			return err
		}
		futures = append(futures, fut)
	}
	for _, fut := range futures {
		select {
		case res, ok := <-fut:
			if !ok || res.Raw == nil {
				continue
			}
			if res.Err != nil {
				vm.log.Debug().Str("event_id", string(res.EventID)).
					Err(res.Err).Msg("prev event unavailable")
				continue
			}
			child := vm.reg.NewEval(eval.Task(), eval.Opts())
			err := vm.Execute(ctx, child, []json.RawMessage{json.RawMessage(res.Raw)})
			child.Close()
			if err != nil {
				vm.log.Debug().Str("event_id", string(res.EventID)).
					Err(err).Msg("prev event rejected")
			}
		case <-ctx.Done():
			return errors.Wrap(domain.ErrTimeout, "awaiting prev events")
		}
	}
	return nil
}

func (vm *VM) verify(ev *domain.Event) error {
	origin := ev.ClaimedOrigin()
	keyID := ev.FirstKeyID()
	if keyID == "" {
		return errors.Wrapf(domain.ErrInvalidEvent, "no signature by %s", origin)
	}
	pub, ok := vm.keys.Get(origin, keyID)
	if !ok {
		return errors.Wrapf(domain.ErrInvalidEvent, "no key %s for %s", keyID, origin)
	}
	if err := canonical.VerifyEvent(ev.Raw, string(origin), keyID, pub); err != nil {
		return errors.Wrapf(domain.ErrInvalidEvent, "signature: %v", err)
	}
	return nil
}

// commit persists the event and assigns the eval's sequence number under
// the sequence lock, so seq order equals commit order.
func (vm *VM) commit(ctx context.Context, eval *Eval, ev *domain.Event) error {
	vm.seqMu.Lock()
	defer vm.seqMu.Unlock()
	seq := vm.lastSeq + 1
	rec := storage.EventRecord{
		Seq:      seq,
		EventID:  ev.EventID,
		RoomID:   ev.RoomID,
		Type:     ev.Type,
		StateKey: ev.StateKey,
		Depth:    ev.Depth,
		Origin:   ev.ClaimedOrigin(),
		RawJSON:  ev.Raw,
	}
	if err := vm.store.AppendEvent(ctx, rec); err != nil {
		return errors.Wrap(err, "persist")
	}
	vm.lastSeq = seq
	vm.reg.setSeq(eval, seq)

	if origin := ev.ClaimedOrigin(); origin != vm.local {
		if err := vm.store.AddOrigin(ctx, ev.RoomID, origin); err != nil {
			vm.log.Debug().Err(err).Msg("record origin")
		}
	}
	vm.log.Debug().Str("event_id", string(ev.EventID)).
		Str("room_id", string(ev.RoomID)).Uint64("seq", seq).Msg("committed")
	return nil
}
