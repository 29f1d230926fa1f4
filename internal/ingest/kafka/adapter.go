package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"construct/internal/ingest"
)

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	Auth           AuthConfig
	Fetch          FetchConfig
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	fill := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&c.WorkerCount, 4)
	fill(&c.QueueCapacity, 1024)
	fill(&c.MaxPollRecords, 500)
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	for _, req := range []struct {
		ok   bool
		name string
	}{
		{len(c.Brokers) > 0, "brokers"},
		{len(c.Topics) > 0, "topics"},
		{c.GroupID != "", "group_id"},
	} {
		if !req.ok {
			return errors.Errorf("ingest.kafka: %s not set", req.name)
		}
	}
	return nil
}

func (c Config) clientOpts(extra []kgo.Opt) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ConsumerGroup(c.GroupID),
		kgo.ConsumeTopics(c.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(c.Fetch.MaxWait),
		kgo.FetchMinBytes(c.Fetch.MinBytes),
		kgo.FetchMaxBytes(c.Fetch.MaxBytes),
	}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.Auth.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: c.Auth.TLS.InsecureSkipVerify}))
	}
	return append(opts, extra...)
}

// Adapter consumes federation pushes from Kafka topics and feeds them to
// the evaluator. Records keyed by topic/partition evaluate in order, and
// their offsets are marked only after evaluation; marked offsets flush on
// the poll cadence. When the lanes saturate the adapter pauses fetching
// until the backlog drains.
type Adapter struct {
	cfg    Config
	eval   ingest.Evaluator
	log    zerolog.Logger
	client *kgo.Client
	pool   *ingest.Pool

	stopping atomic.Bool
	paused   bool

	// Commit and fetch-control calls route through func fields so unit
	// tests can observe them without a broker.
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

func NewAdapter(cfg Config, eval ingest.Evaluator, log zerolog.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(cfg.clientOpts(opts)...)
	if err != nil {
		return nil, errors.Wrap(err, "ingest.kafka: new client")
	}
	a := &Adapter{
		cfg:    cfg,
		eval:   eval,
		log:    log.With().Str("component", "ingest.kafka").Logger(),
		client: cl,
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

// Start polls until the context is cancelled or Close is called. On exit it
// drains queued records and flushes the marked offsets.
func (a *Adapter) Start(ctx context.Context) error {
	depth := a.cfg.QueueCapacity / a.cfg.WorkerCount
	a.pool = ingest.NewPool(a.cfg.WorkerCount, depth)

	err := a.poll(ctx)
	a.pool.Shutdown()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.commitMarked(flushCtx)
	a.Close()
	return err
}

func (a *Adapter) poll(ctx context.Context) error {
	for ctx.Err() == nil && !a.stopping.Load() {
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		var ferr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if ferr == nil && !errors.Is(err, context.Canceled) {
				ferr = errors.Wrapf(err, "ingest.kafka: fetch %s/%d", topic, partition)
			}
		})
		if ferr != nil {
			return ferr
		}
		fetches.EachRecord(func(rec *kgo.Record) { a.dispatch(ctx, rec) })
		a.client.AllowRebalance()
		a.replenish()
		_ = a.commitMarked(ctx)
	}
	return ctx.Err()
}

// Close stops the poll loop. Safe to call more than once.
func (a *Adapter) Close() {
	if a.stopping.CompareAndSwap(false, true) {
		a.client.Close()
	}
}

// dispatch hands a record to its partition lane. A full lane pauses
// fetching and falls back to a blocking submit, so poll pressure converts
// into broker backpressure instead of unbounded queueing.
func (a *Adapter) dispatch(ctx context.Context, rec *kgo.Record) {
	key := fmt.Sprintf("%s/%d", rec.Topic, rec.Partition)
	job := func() { a.consumeRecord(ctx, rec) }
	if a.pool.Offer(key, job) {
		return
	}
	if !a.paused {
		a.pauseFetch(a.cfg.Topics...)
		a.paused = true
	}
	a.pool.Submit(key, job)
}

// replenish resumes fetching once the workers have drained the backlog.
// Only the poll goroutine touches the paused flag.
func (a *Adapter) replenish() {
	if a.paused && a.pool.Backlog() == 0 {
		a.resumeFetch(a.cfg.Topics...)
		a.paused = false
	}
}

func (a *Adapter) consumeRecord(ctx context.Context, rec *kgo.Record) {
	pdus, err := ingest.DecodePush(rec.Value)
	if err == nil {
		err = a.eval.Evaluate(ctx, pdus)
	}
	if err != nil {
		a.log.Debug().Str("topic", rec.Topic).
			Int32("partition", rec.Partition).Int64("offset", rec.Offset).
			Err(err).Msg("record discarded")
	}
	// Rejected and undecodable records still mark, or the partition wedges.
	a.markCommit(rec)
}
