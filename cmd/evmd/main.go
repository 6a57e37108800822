// Command evmd wires the Event Virtual Machine's core packages into a
// runnable process: it loads configuration, constructs the sequence
// allocator, store, hook registry, and vm.post worker pool, then issues
// a small demonstration room through the pipeline so a fresh checkout
// has something to point at immediately.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ocx/evmd/internal/compose"
	"github.com/ocx/evmd/internal/config"
	"github.com/ocx/evmd/internal/event"
	"github.com/ocx/evmd/internal/eval"
	"github.com/ocx/evmd/internal/hooks"
	"github.com/ocx/evmd/internal/metrics"
	"github.com/ocx/evmd/internal/notify"
	"github.com/ocx/evmd/internal/pipeline"
	"github.com/ocx/evmd/internal/sequence"
	"github.com/ocx/evmd/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment only")
	}

	cfg := config.Get()

	log := newLogger(cfg)
	log.Info("starting evmd", "node", cfg.Node.ID, "env", cfg.Server.Env)

	// 1. Signing identity.
	signer, err := event.NewEd25519Signer(cfg.Signing.KeyID)
	if err != nil {
		log.Error("generating signing key", "error", err)
		os.Exit(1)
	}
	keys := event.NewStaticKeyStore()
	keys.Add(cfg.Compose.Origin, cfg.Signing.KeyID, signer.PublicKey())
	verifier := event.NewEd25519Verifier(keys)

	digester, err := event.DigesterFor(cfg.Digest.Algorithm)
	if err != nil {
		log.Error("resolving digest algorithm", "error", err)
		os.Exit(1)
	}

	// 2. Persistence.
	eventStore, lastIndex, err := openStore(cfg)
	if err != nil {
		log.Error("opening store", "error", err)
		os.Exit(1)
	}

	// 3. Collaborators.
	dock := sequence.Restore(lastIndex)
	hookRegistry := hooks.NewRegistry()
	evalRegistry := eval.NewRegistry()
	broadcaster, err := openNotify(cfg)
	if err != nil {
		log.Error("opening notify transport", "error", err)
		os.Exit(1)
	}
	m := metrics.NewMetrics()

	p := pipeline.New(
		pipeline.Config{PostWorkers: cfg.Pipeline.PostWorkers, QueueDepth: cfg.Pipeline.QueueDepth},
		hookRegistry,
		evalRegistry,
		dock,
		eventStore,
		broadcaster,
		verifier,
		m,
		log,
	)
	defer p.Shutdown()

	builder := compose.NewBuilder(cfg.Compose.Origin, signer)
	builder.Digester = digester
	builder.PrevLimit = cfg.Compose.PrevLimit
	if sr, ok := eventStore.(store.RoomStateReader); ok {
		builder.StateReader = sr
	}

	opts := eval.DefaultOpts()
	opts.Policy = cfg.Policy()
	opts.Node = cfg.Node.ID

	// Every event this demo issues belongs to one logical task, so
	// CountForTask reports them together.
	ctx := eval.WithTaskID(context.Background(), "evmd-demo-room")

	roomID := "!demo:" + cfg.Compose.Origin
	createRes, err := p.Process(ctx, nil, opts, &pipeline.IssueOpts{
		Builder: builder,
		Request: compose.Request{
			RoomID:  roomID,
			Type:    "m.room.create",
			Sender:  "@evmd:" + cfg.Compose.Origin,
			Content: map[string]interface{}{"creator": "@evmd:" + cfg.Compose.Origin},
		},
	})
	if err != nil {
		log.Error("processing demo room create", "error", err)
		os.Exit(1)
	}
	log.Info("accepted demo event", "event", createRes.Event.PrettyOneline(), "sequence", createRes.Sequence)

	heads, err := roomHead(eventStore, roomID)
	if err != nil {
		log.Error("reading room head", "error", err)
		os.Exit(1)
	}

	msgRes, err := p.Process(ctx, nil, opts, &pipeline.IssueOpts{
		Builder: builder,
		Request: compose.Request{
			RoomID:        roomID,
			Type:          "m.room.message",
			Sender:        "@evmd:" + cfg.Compose.Origin,
			Content:       map[string]interface{}{"body": "hello from evmd"},
			AddAuthEvents: true,
		},
		Heads: heads,
	})
	if err != nil {
		log.Error("processing demo message", "error", err)
		os.Exit(1)
	}
	log.Info("accepted demo event", "event", msgRes.Event.PrettyOneline(), "sequence", msgRes.Sequence)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Logging.AcceptDebug || cfg.Logging.CommitDebug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func openStore(cfg *config.Config) (pipelineStore, int64, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, 0, err
		}
		last, err := st.LastIndex()
		if err != nil {
			return nil, 0, err
		}
		return st, last, nil
	default:
		return store.NewMemoryStore(), 0, nil
	}
}

// pipelineStore is the subset of store.TransactionStore plus
// store.RoomHeadReader the demo binary needs, named locally so
// openStore can return either concrete backend through one interface.
type pipelineStore interface {
	store.TransactionStore
	store.RoomHeadReader
}

func roomHead(st pipelineStore, roomID string) ([]store.HeadEntry, error) {
	return st.RoomHead(roomID)
}

func openNotify(cfg *config.Config) (notify.Broadcaster, error) {
	if cfg.Notify.Backend == "redis" {
		return notify.NewRedisBroadcaster(notify.RedisOptions{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Channel:  cfg.Notify.Redis.Channel,
		})
	}
	return notify.NewBus(), nil
}
