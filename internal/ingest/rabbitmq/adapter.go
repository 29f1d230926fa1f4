package rabbitmq

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"construct/internal/domain"
	"construct/internal/ingest"
)

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
}

// firstEndpoint picks the broker address: URL wins, otherwise the first
// non-blank entry of Endpoints. Credentials and TLS belong in the address
// itself (amqp:// or amqps:// with userinfo).
func (c Config) firstEndpoint() string {
	for _, e := range append([]string{c.URL}, c.Endpoints...) {
		if s := strings.TrimSpace(e); s != "" {
			return s
		}
	}
	return ""
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Exchange == "":
		return errors.New("ingest.rabbitmq: exchange not set")
	case c.Queue == "":
		return errors.New("ingest.rabbitmq: queue not set")
	case c.firstEndpoint() == "":
		return errors.New("ingest.rabbitmq: no broker endpoint")
	case c.PrefetchCount < 1:
		return errors.New("ingest.rabbitmq: prefetch_count must be positive")
	case c.Workers < 1:
		return errors.New("ingest.rabbitmq: workers must be positive")
	case c.DeliveryQueue < 1:
		return errors.New("ingest.rabbitmq: delivery_queue must be positive")
	}
	return nil
}

// Adapter consumes federation pushes from an AMQP queue and feeds them to
// the evaluator. Deliveries ack only after evaluation; unavailability or a
// timeout nacks with requeue, anything else is dropped dead. Deliveries sharing a routing
// key evaluate in order.
type Adapter struct {
	cfg  Config
	eval ingest.Evaluator
	log  zerolog.Logger

	conn *amqp091.Connection
	ch   *amqp091.Channel
	pool *ingest.Pool
	done chan struct{}

	stop     sync.Once
	closeErr error
}

func NewAdapter(cfg Config, eval ingest.Evaluator, log zerolog.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eval == nil {
		return nil, errors.New("ingest.rabbitmq: evaluator is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "construct-rabbitmq"
	}
	return &Adapter{
		cfg:  cfg,
		eval: eval,
		log:  log.With().Str("component", "ingest.rabbitmq").Logger(),
	}, nil
}

// Start dials the broker, declares the topology and begins consuming in the
// background. It returns once the consumer is registered.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := amqp091.Dial(a.cfg.firstEndpoint())
	if err != nil {
		return errors.Wrap(err, "ingest.rabbitmq: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "ingest.rabbitmq: channel")
	}
	deliveries, err := a.bind(ch)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	a.conn, a.ch = conn, ch
	a.pool = ingest.NewPool(a.cfg.Workers, a.cfg.DeliveryQueue)
	a.done = make(chan struct{})
	go a.consume(ctx, deliveries)
	a.log.Info().Str("queue", a.cfg.Queue).Str("exchange", a.cfg.Exchange).Msg("consuming")
	return nil
}

// bind declares the exchange, queue and bindings, then registers the
// consumer with manual acks and the configured prefetch window.
func (a *Adapter) bind(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return nil, errors.Wrap(err, "ingest.rabbitmq: qos")
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "ingest.rabbitmq: exchange")
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "ingest.rabbitmq: queue")
	}
	bindings := a.cfg.RoutingKeys
	if len(bindings) == 0 {
		bindings = []string{"#"}
	}
	for _, key := range bindings {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return nil, errors.Wrapf(err, "ingest.rabbitmq: bind %s", key)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrap(err, "ingest.rabbitmq: consume")
	}
	return deliveries, nil
}

func (a *Adapter) consume(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			a.pool.Submit(d.RoutingKey, func() { a.processDelivery(ctx, d) })
		}
	}
}

// Close cancels the consumer, waits for queued deliveries to finish, then
// tears down the channel and connection. Idempotent.
func (a *Adapter) Close() error {
	a.stop.Do(func() {
		if a.ch == nil {
			return
		}
		a.closeErr = a.ch.Cancel(a.cfg.ConsumerTag, false)
		<-a.done
		a.pool.Shutdown()
		if err := a.ch.Close(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
		if err := a.conn.Close(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
	})
	return a.closeErr
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	pdus, err := ingest.DecodePush(d.Body)
	if err != nil {
		_ = d.Nack(false, false)
		return
	}
	if err := a.eval.Evaluate(ctx, pdus); err != nil {
		if errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrTimeout) {
			_ = d.Nack(false, true)
			return
		}
		a.log.Debug().Str("routing_key", d.RoutingKey).
			Uint64("delivery_tag", d.DeliveryTag).Err(err).Msg("delivery rejected")
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
