package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"construct/internal/auth"
	"construct/internal/canonical"
	"construct/internal/config"
	"construct/internal/domain"
	"construct/internal/fed"
	"construct/internal/fedserver"
	"construct/internal/fetch"
	"construct/internal/ingest"
	"construct/internal/ingest/kafka"
	"construct/internal/ingest/rabbitmq"
	"construct/internal/ingest/socket"
	"construct/internal/keys"
	"construct/internal/peer"
	"construct/internal/storage/sqlite"
	"construct/internal/vm"
)

func main() {
	cfgPath := flag.String("config", "construct.yaml", "path to config file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		log = log.Level(lvl)
	}

	priv, err := loadOrCreateKey(cfg.Server.KeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("signing key")
	}
	identity := fed.Identity{
		ServerName: domain.ServerName(cfg.Server.Name),
		KeyID:      cfg.Server.KeyID,
		PrivateKey: priv,
	}

	store, err := sqlite.NewStore(cfg.Storage.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	peers := peer.NewRegistry()
	client := fed.NewClient(identity, peers, log)
	keycache := keys.NewCache(store, client, log)

	fetchCfg := fetch.Config{
		Enable:         cfg.Fetch.Enable,
		Timeout:        cfg.Fetch.Timeout,
		RequestsMax:    cfg.Fetch.RequestsMax,
		CheckEventID:   cfg.Fetch.CheckEventID,
		CheckConforms:  cfg.Fetch.CheckConforms,
		CheckSignature: cfg.Fetch.CheckSignature,
	}
	coordinator := fetch.NewCoordinator(fetchCfg, client, store, peers, keycache, identity.ServerName, log)
	coordinator.Start()
	defer coordinator.Stop()

	registry := vm.NewRegistry()
	machine, err := vm.New(registry, coordinator, keycache, auth.NewRules(store), store, identity.ServerName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init vm")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eval := &evaluator{vm: machine}

	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled: true,
			Brokers: cfg.Ingest.Kafka.Brokers,
			Topics:  cfg.Ingest.Kafka.Topics,
			GroupID: cfg.Ingest.Kafka.GroupID,
		}, eval, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka adapter")
		}
		go func() {
			if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("kafka adapter stopped")
			}
		}()
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           cfg.Ingest.RabbitMQ.URL,
			Exchange:      "federation",
			Queue:         cfg.Ingest.RabbitMQ.Queue,
			PrefetchCount: 64,
			Workers:       4,
			DeliveryQueue: 256,
		}, eval, log)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq adapter")
		}
		if err := adapter.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("rabbitmq adapter start")
		}
		defer adapter.Close()
	}

	if cfg.Ingest.Socket.Enabled {
		sock := socket.NewServer(socket.Config{
			Network:        cfg.Ingest.Socket.Network,
			Address:        cfg.Ingest.Socket.Address,
			UnixSocketPath: cfg.Ingest.Socket.Path,
			AuthToken:      cfg.Ingest.Socket.AuthToken,
		}, eval, store, log)
		go func() {
			if err := sock.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("socket listener stopped")
			}
		}()
		defer sock.Close()
	}

	srv := fedserver.New(identity, store, log)
	go func() {
		if err := srv.Start(cfg.Server.ListenAddr); err != nil {
			log.Error().Err(err).Msg("federation listener stopped")
		}
	}()
	defer srv.Close()

	log.Info().Str("server", cfg.Server.Name).Msg("constructd up")
	<-ctx.Done()
	log.Info().Msg("constructd shutting down")
}

// evaluator bridges broker adapters onto the VM: each push becomes one
// top-level evaluation on a fresh task.
type evaluator struct {
	vm *vm.VM
}

func (e *evaluator) Evaluate(ctx context.Context, pdus []json.RawMessage) error {
	eval := e.vm.Registry().NewEval(vm.NewTaskID(), vm.DefaultOpts())
	defer eval.Close()
	return e.vm.Execute(ctx, eval, pdus)
}

var _ ingest.Evaluator = (*evaluator)(nil)

// loadOrCreateKey reads the ed25519 seed from path, generating and writing
// one on first start.
func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		path = "construct.key"
	}
	if b, err := os.ReadFile(path); err == nil {
		seed, err := canonical.B64.DecodeString(string(b))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, os.ErrInvalid
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	encoded := canonical.B64.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
