package fetch

import (
	"context"
	"encoding/json"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"construct/internal/domain"
	"construct/internal/keys"
	"construct/internal/peer"
	"construct/internal/storage"
)

// Config carries the fetch unit's tunables.
type Config struct {
	Enable         bool
	Timeout        time.Duration
	RequestsMax    int
	CheckEventID   bool
	CheckConforms  bool
	CheckSignature bool
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		Enable:         true,
		Timeout:        5 * time.Second,
		RequestsMax:    256,
		CheckEventID:   true,
		CheckConforms:  false,
		CheckSignature: true,
	}
}

// Client issues the remote event fetch. Satisfied by the federation client.
type Client interface {
	Event(ctx context.Context, dest domain.ServerName, id domain.EventID) ([]json.RawMessage, error)
}

// Runlevel gates submission. Requests are admitted only in RUN.
type Runlevel int

const (
	RunlevelStart Runlevel = iota
	RunlevelRun
	RunlevelQuit
)

type completion struct {
	eventID domain.EventID
	origin  domain.ServerName
	pdus    []json.RawMessage
	err     error
}

// Coordinator owns the set of outstanding event fetches. One worker
// goroutine drives the state machine; submitters block on the admission
// dock while the set is full and are handed a future resolved exactly once.
type Coordinator struct {
	cfg     Config
	cl      Client
	origins storage.Origins
	peers   *peer.Registry
	keys    *keys.Cache
	local   domain.ServerName
	log     zerolog.Logger

	mu       sync.Mutex
	dock     *sync.Cond
	runCond  *sync.Cond
	runlevel Runlevel
	reqs     []*request

	completions chan completion
	wake        chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
}

func NewCoordinator(cfg Config, cl Client, origins storage.Origins, peers *peer.Registry, kc *keys.Cache, local domain.ServerName, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		cl:          cl,
		origins:     origins,
		peers:       peers,
		keys:        kc,
		local:       local,
		log:         log.With().Str("component", "m.fetch").Logger(),
		completions: make(chan completion),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.dock = sync.NewCond(&c.mu)
	c.runCond = sync.NewCond(&c.mu)
	return c
}

// Start moves the coordinator to RUN and spawns the worker. A disabled unit
// still reaches RUN so submitters are refused rather than parked forever.
func (c *Coordinator) Start() {
	c.mu.Lock()
	c.runlevel = RunlevelRun
	c.runCond.Broadcast()
	c.mu.Unlock()
	c.wg.Add(1)
	go c.run()
}

// Stop moves to QUIT, resolves every outstanding request as unavailable and
// waits for the worker to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.runlevel = RunlevelQuit
	c.runCond.Broadcast()
	for _, r := range c.reqs {
		if r.cancel != nil {
			r.cancel()
		}
		r.resolve(Result{Err: errors.Wrap(domain.ErrUnavailable, "shutdown")})
	}
	c.reqs = nil
	c.dock.Broadcast()
	c.mu.Unlock()
	close(c.done)
	c.wg.Wait()
}

// Count reports how many requests are outstanding.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

// Submit asks for event eventID of room to be fetched from some joined
// origin. The returned future resolves exactly once. A submit for an
// event already in flight returns an already-closed future. Submission
// blocks on the admission dock while the outstanding count is at the
// maximum, and fails unavailable unless the coordinator is running.
func (c *Coordinator) Submit(room domain.RoomID, eventID domain.EventID, bufsz int) (Future, error) {
	if !c.cfg.Enable {
		return nil, errors.Wrap(domain.ErrUnavailable, "fetch disabled")
	}
	c.mu.Lock()
	for c.runlevel == RunlevelStart {
		c.runCond.Wait()
	}
	if c.runlevel != RunlevelRun {
		c.mu.Unlock()
		return nil, errors.Wrap(domain.ErrUnavailable, "fetch not running")
	}
	if _, ok := c.find(eventID); ok {
		c.mu.Unlock()
		noop := make(chan Result)
		close(noop)
		return noop, nil
	}
	for len(c.reqs) >= c.cfg.RequestsMax {
		c.dock.Wait()
		if c.runlevel != RunlevelRun {
			c.mu.Unlock()
			return nil, errors.Wrap(domain.ErrUnavailable, "fetch not running")
		}
	}
	if _, ok := c.find(eventID); ok {
		c.mu.Unlock()
		noop := make(chan Result)
		close(noop)
		return noop, nil
	}
	req := newRequest(room, eventID, bufsz)
	c.insert(req)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return req.promise, nil
}

// find locates a request by event id. Caller holds the lock.
func (c *Coordinator) find(id domain.EventID) (int, bool) {
	i := sort.Search(len(c.reqs), func(i int) bool { return c.reqs[i].eventID >= id })
	if i < len(c.reqs) && c.reqs[i].eventID == id {
		return i, true
	}
	return i, false
}

// insert places req at its sorted position. Caller holds the lock.
func (c *Coordinator) insert(req *request) {
	i, _ := c.find(req.eventID)
	c.reqs = append(c.reqs, nil)
	copy(c.reqs[i+1:], c.reqs[i:])
	c.reqs[i] = req
}

// run is the worker loop with self-healing at the boundary.
func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		c.loop()
	}
}

func (c *Coordinator) loop() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("critical", "worker").
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("fetch worker recovered")
		}
	}()
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.done:
			return
		case comp := <-c.completions:
			c.handle(comp)
		case <-c.wake:
		case <-timer.C:
		}
		c.cleanup()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.cfg.Timeout)
	}
}

// cleanup starts unstarted requests, retries timed-out attempts and erases
// finished ones, signalling the dock for each erasure.
func (c *Coordinator) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	kept := c.reqs[:0]
	for _, r := range c.reqs {
		switch {
		case !r.finished.IsZero():
			c.dock.Signal()
			continue
		case r.started.IsZero():
			c.startLocked(r, now)
		case r.timedout(c.cfg.Timeout, now):
			c.log.Debug().Str("event_id", string(r.eventID)).
				Str("origin", string(r.origin)).Msg("attempt timed out")
			c.retryLocked(r, now)
		}
		kept = append(kept, r)
	}
	c.reqs = kept
}

// startLocked selects the first origin and issues the attempt. Caller holds
// the lock.
func (c *Coordinator) startLocked(r *request, now time.Time) {
	r.started = now
	r.last = now
	origin, err := c.selectRandomOrigin(r)
	if err != nil {
		c.finishLocked(r, Result{Err: err}, now)
		return
	}
	c.issueLocked(r, origin, now)
}

// retryLocked abandons the current attempt and moves to the next origin, or
// finishes the request when origins are exhausted.
func (c *Coordinator) retryLocked(r *request, now time.Time) {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	origin, err := c.selectRandomOrigin(r)
	if err != nil {
		c.finishLocked(r, Result{Err: err}, now)
		return
	}
	c.issueLocked(r, origin, now)
}

func (c *Coordinator) finishLocked(r *request, res Result, now time.Time) {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.finished = now
	r.resolve(res)
}

// issueLocked spawns the attempt against origin. The attempt is tagged by
// origin; completions from abandoned attempts are ignored on receipt.
func (c *Coordinator) issueLocked(r *request, origin domain.ServerName, now time.Time) {
	r.origin = origin
	r.last = now
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	r.cancel = cancel
	eventID := r.eventID
	c.log.Debug().Str("event_id", string(eventID)).Str("origin", string(origin)).Msg("fetching")
	go func() {
		pdus, err := c.cl.Event(ctx, origin, eventID)
		select {
		case c.completions <- completion{eventID: eventID, origin: origin, pdus: pdus, err: err}:
		case <-c.done:
		}
	}()
}

// selectRandomOrigin picks a uniformly random joined origin that is not the
// local server, has not been attempted, and carries no sticky peer error.
// The pick is recorded in attempted before the attempt is issued. Caller
// holds the lock.
func (c *Coordinator) selectRandomOrigin(r *request) (domain.ServerName, error) {
	all, err := c.origins.RoomOrigins(context.Background(), r.room)
	if err != nil {
		return "", errors.Wrapf(err, "origins of %s", r.room)
	}
	candidates := all[:0]
	for _, o := range all {
		if o == c.local {
			continue
		}
		if _, tried := r.attempted[o]; tried {
			continue
		}
		if c.peers.Errmsg(o) != "" {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return "", errors.Wrapf(domain.ErrNotFound, "no viable origin for %s", r.eventID)
	}
	pick := candidates[rand.Intn(len(candidates))]
	r.attempted[pick] = struct{}{}
	return pick, nil
}

// handle processes one attempt completion: validate and finish on success,
// move to the next origin on failure.
func (c *Coordinator) handle(comp completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.find(comp.eventID)
	if !ok {
		return
	}
	r := c.reqs[i]
	if !r.finished.IsZero() || r.origin != comp.origin {
		return
	}
	now := time.Now()
	if comp.err != nil {
		c.remoteError(r, comp.err, now)
		return
	}
	res, err := c.checkResponse(r, comp)
	if err != nil {
		c.log.Debug().Str("event_id", string(r.eventID)).
			Str("origin", string(comp.origin)).Err(err).Msg("erroneous response")
		c.retryLocked(r, now)
		return
	}
	res.Origin = comp.origin
	c.finishLocked(r, res, now)
}

func (c *Coordinator) remoteError(r *request, err error, now time.Time) {
	ev := c.log.Debug()
	if c.runlevel != RunlevelQuit && !errors.Is(err, domain.ErrNotFound) {
		ev = c.log.Error()
	}
	ev.Str("event_id", string(r.eventID)).Str("origin", string(r.origin)).
		Err(err).Msg("remote failed")
	c.retryLocked(r, now)
}
