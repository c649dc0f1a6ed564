package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/execution-hub/invitation-hub/internal/api/http"
	"github.com/execution-hub/invitation-hub/internal/config"
	"github.com/execution-hub/invitation-hub/internal/domain/directory"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	"github.com/execution-hub/invitation-hub/internal/domain/notification"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/memory"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/postgres"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/raftstore"
)

// backend bundles the stores selected by STORE_BACKEND.
type backend struct {
	invitations   invitation.Repository
	notifications notification.Repository
	resolver      directory.IdentityResolver
	engagements   directory.EngagementLookup
	cluster       httpapi.Cluster
	afterStart    func()
	closers       []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return openPostgres(ctx, cfg)
	case config.BackendMemory:
		dir, err := loadDirectory(cfg.DirectoryFile, logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			invitations:   memory.NewStore(),
			notifications: memory.NewNotificationRepository(),
			resolver:      dir,
			engagements:   dir,
		}, nil
	case config.BackendRaft:
		return openRaft(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*backend, error) {
	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	dir := postgres.NewDirectoryRepository(pool)
	return &backend{
		invitations:   postgres.NewInvitationRepository(pool),
		notifications: postgres.NewNotificationRepository(pool),
		resolver:      dir,
		engagements:   dir,
		closers:       []func(){pool.Close},
	}, nil
}

// openRaft starts a replicated invitation store. Notification records stay
// local to each node; the directory comes from DIRECTORY_FILE.
func openRaft(cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	dir, err := loadDirectory(cfg.DirectoryFile, logger)
	if err != nil {
		return nil, err
	}
	node, err := raftstore.NewNode(raftstore.Config{
		NodeID:       cfg.Raft.NodeID,
		RaftAddr:     cfg.Raft.Addr,
		DataDir:      cfg.Raft.DataDir,
		Bootstrap:    cfg.Raft.Bootstrap,
		ApplyTimeout: cfg.Raft.Timeout,
		LogOutput:    logger.With().Str("component", "raft").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}
	raftLogger := logger.With().Str("node_id", node.ID()).Logger()

	b := &backend{
		invitations:   node,
		notifications: memory.NewNotificationRepository(),
		resolver:      dir,
		engagements:   dir,
		cluster:       node,
		closers: []func(){func() {
			if err := node.Shutdown(); err != nil {
				raftLogger.Warn().Err(err).Msg("raft shutdown")
			}
		}},
	}
	b.afterStart = func() {
		if !cfg.Raft.Bootstrap && cfg.Raft.JoinEndpoint != "" {
			if err := joinCluster(cfg.Raft, node.RaftAddr()); err != nil {
				raftLogger.Error().Err(err).Str("endpoint", cfg.Raft.JoinEndpoint).Msg("join cluster failed")
			} else {
				raftLogger.Info().Str("endpoint", cfg.Raft.JoinEndpoint).Msg("joined cluster")
			}
		}
		if cfg.Raft.WaitForLeader > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Raft.WaitForLeader)
			defer cancel()
			leader, err := node.WaitForLeader(ctx, 150*time.Millisecond)
			if err != nil {
				raftLogger.Warn().Err(err).Msg("no raft leader yet")
				return
			}
			raftLogger.Info().Str("leader", leader).Str("state", node.State()).Msg("raft leader known")
		}
	}
	return b, nil
}

func loadDirectory(path string, logger zerolog.Logger) (*memory.Directory, error) {
	if path == "" {
		logger.Warn().Msg("DIRECTORY_FILE not set, directory is empty")
		return memory.NewDirectory(), nil
	}
	dir, err := memory.LoadDirectory(path)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	return dir, nil
}
