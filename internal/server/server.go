// Package server assembles a reddwarf process from its configuration.
package server

import (
	"context"
	"fmt"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore/boltstore"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore/memory"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore/sqlstore"
	"github.com/AbreuRodrigo/reddwarf/core/participant/outbox"
	"github.com/AbreuRodrigo/reddwarf/core/participant/txnlog"
	"github.com/AbreuRodrigo/reddwarf/core/transaction"
	internaltelemetry "github.com/AbreuRodrigo/reddwarf/internal/telemetry"
	"github.com/AbreuRodrigo/reddwarf/pkg/config"
	"github.com/AbreuRodrigo/reddwarf/pkg/logger"
	"github.com/AbreuRodrigo/reddwarf/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Server struct {
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
	Manager   *transaction.Manager
	// TxnLog publishes transaction-scoped log entries to the process log.
	TxnLog *txnlog.Handler
	Broker *outbox.Broker
	Outbox *outbox.Outbox

	provider          objectstore.Provider
	shutdownTelemetry telemetry.ShutdownFunc
}

func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	core, err := logger.NewCore(cfg.Logger)
	if err != nil {
		return nil, err
	}
	log := logger.Wrap(core)

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	provider, err := OpenProvider(ctx, cfg.Store, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	mgr := transaction.NewManager(provider,
		transaction.WithLogger(log),
		transaction.WithMetrics(metrics),
		transaction.WithTracer(tel.Tracer),
		transaction.WithConfig(cfg.Transaction),
	)
	broker := outbox.NewBroker(log)

	log.Info("reddwarf ready",
		zap.String("store", cfg.Store.Backend),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
		zap.String("metrics_addr", tel.MetricsAddr))

	return &Server{
		Logger:            log,
		Telemetry:         tel,
		Manager:           mgr,
		TxnLog:            txnlog.NewHandler(core),
		Broker:            broker,
		Outbox:            outbox.New(broker, log),
		provider:          provider,
		shutdownTelemetry: shutdown,
	}, nil
}

// OpenProvider opens the object store backend named by cfg.
func OpenProvider(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (objectstore.Provider, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.NewProvider(memory.Options{WALDir: cfg.WALDir, SyncWrites: cfg.SyncWrites, Logger: log})
	case config.BackendBolt:
		return boltstore.Open(cfg.Path, log)
	case config.BackendSQLite:
		return sqlstore.OpenSQLite(ctx, cfg.Path, log)
	case config.BackendPostgres:
		return sqlstore.OpenPostgres(ctx, cfg.DSN, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Close stops the manager and the store, then flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	err := s.Manager.Close()
	err = multierr.Append(err, s.provider.Close())
	err = multierr.Append(err, s.shutdownTelemetry(ctx))
	_ = s.Logger.Sync()
	return err
}
