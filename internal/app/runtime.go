package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"portline/internal/cleanup"
	"portline/internal/config"
	"portline/internal/engine"
	"portline/internal/events"
	"portline/internal/idempotency"
	"portline/internal/lease"
	"portline/internal/repo"
	"portline/internal/store"
	"portline/internal/wallet"
)

// docLeaseWait bounds how long shared documents wait for each other.
const docLeaseWait = 2 * time.Second

// Runtime owns every long-lived component of one data directory. Background
// work (wallet pusher, cleanup schedule) runs only between Start and Stop.
type Runtime struct {
	Config  *config.Config
	Layout  store.Layout
	Engine  engine.Engine
	Cleanup *cleanup.Service
	Pusher  *wallet.Pusher
	Remote  wallet.RemoteStore
	Log     *zap.Logger

	mu      sync.Mutex
	started bool
}

// Open wires the components for cfg. Nothing runs in the background until Start.
func Open(cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	layout := store.NewLayout(cfg.DataDir)
	if err := layout.EnsureWorkspace(); err != nil {
		return nil, err
	}
	s := store.New(log.Named("store"))
	if cfg.Store.Retries > 0 {
		s.Retries = cfg.Store.Retries
	}
	if cfg.Store.BackoffMS > 0 {
		s.Backoff = cfg.StoreBackoff()
	}
	r := repo.New(s, layout, log.Named("repo"))

	portLocks := &lease.Manager{Dir: layout.LocksDir(), Log: log.Named("lease")}
	docLocks := &lease.Manager{Dir: layout.LocksDir(), MaxWait: docLeaseWait, Log: log.Named("lease")}

	idem := &idempotency.Ledger{
		Store:      s,
		Path:       layout.ProcessedRequests(),
		Locks:      docLocks,
		PendingTTL: cfg.PendingTTL(),
		Log:        log.Named("idempotency"),
	}

	remote, err := NewRemote(cfg.Wallet.Remote, s)
	if err != nil {
		return nil, err
	}
	var pusher *wallet.Pusher
	if remote != nil {
		pusher = wallet.NewPusher(remote, log.Named("pusher"))
	}
	rec := &wallet.Reconciler{
		Account:      cfg.Wallet.Account,
		Local:        r,
		Remote:       remote,
		Pusher:       pusher,
		FetchTimeout: cfg.FetchTimeout(),
		Log:          log.Named("wallet"),
	}

	audit := events.NewWriter(s, docLocks, layout.AuditLog())
	eng := engine.New(r, portLocks, idem, rec, audit, log.Named("engine"))
	if ttl := cfg.LockTTL(); ttl > 0 {
		eng.LockTTL = ttl
	}

	cleanupLog := events.NewWriter(s, docLocks, layout.CleanupLog())
	job := &cleanup.Job{Repo: r, Audit: cleanupLog, Log: log.Named("cleanup")}
	svc := &cleanup.Service{Job: job, Schedule: cfg.Cleanup.Schedule, Log: log.Named("cleanup")}

	return &Runtime{
		Config:  cfg,
		Layout:  layout,
		Engine:  eng,
		Cleanup: svc,
		Pusher:  pusher,
		Remote:  remote,
		Log:     log,
	}, nil
}

// Start finishes any interrupted cleanup and launches background work.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return nil
	}
	if rt.Pusher != nil {
		rt.Pusher.Start(ctx)
	}
	if rt.Config.Cleanup.Enabled {
		if err := rt.Cleanup.Start(ctx); err != nil {
			if rt.Pusher != nil {
				rt.Pusher.Stop()
			}
			return err
		}
	} else if err := rt.Cleanup.Job.Recover(ctx); err != nil {
		if rt.Pusher != nil {
			rt.Pusher.Stop()
		}
		return fmt.Errorf("recover cleanup: %w", err)
	}
	rt.started = true
	rt.Log.Info("runtime started", zap.String("data_dir", rt.Layout.Root), zap.Bool("cleanup_schedule", rt.Config.Cleanup.Enabled))
	return nil
}

// Stop halts the schedule, flushes the pusher and releases remote clients.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		rt.closeRemote()
		return
	}
	rt.started = false
	rt.Cleanup.Stop()
	if rt.Pusher != nil {
		rt.Pusher.Stop()
	}
	rt.closeRemote()
	rt.Log.Info("runtime stopped")
}

func (rt *Runtime) closeRemote() {
	if c, ok := rt.Remote.(io.Closer); ok {
		if err := c.Close(); err != nil {
			rt.Log.Warn("close wallet remote", zap.Error(err))
		}
	}
}

// NewRemote builds the wallet backup for rc, or nil when none is configured.
// A gist id of the form file://<path> selects a local file instead.
func NewRemote(rc config.RemoteConfig, s *store.Store) (wallet.RemoteStore, error) {
	switch rc.Kind {
	case "", config.RemoteNone:
		return nil, nil
	case config.RemoteFile:
		return wallet.FileRemote{Path: rc.Path, Store: s}, nil
	case config.RemoteGist:
		if path, ok := strings.CutPrefix(rc.Gist.ID, "file://"); ok {
			return wallet.FileRemote{Path: path, Store: s}, nil
		}
		return wallet.GistRemote{ID: rc.Gist.ID, Token: rc.Gist.Token, Filename: rc.Gist.Filename}, nil
	case config.RemoteS3:
		remote, err := wallet.NewS3Remote(wallet.S3Options{
			Endpoint:  rc.S3.Endpoint,
			AccessKey: rc.S3.AccessKey,
			SecretKey: rc.S3.SecretKey,
			Bucket:    rc.S3.Bucket,
			Object:    rc.S3.Object,
			Secure:    rc.S3.Secure,
		})
		if err != nil {
			return nil, err
		}
		return remote, nil
	case config.RemoteRedis:
		return wallet.NewRedisRemote(wallet.RedisOptions{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
			Key:      rc.Redis.Key,
		}), nil
	default:
		return nil, fmt.Errorf("unknown wallet remote kind %q", rc.Kind)
	}
}
