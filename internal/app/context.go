package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"mediajob/internal/config"
	"mediajob/internal/db"
	"mediajob/internal/engine"
	"mediajob/internal/mediastore"
	"mediajob/internal/metrics"
	"mediajob/internal/migrate"
	"mediajob/internal/repo"
	"mediajob/internal/signedurl"
	"mediajob/internal/submission"
)

// Runtime holds everything a command needs to drive the engine.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Blobs     mediastore.Blobs
	Metrics   *metrics.Metrics
	Engine    engine.Engine
	Log       logrus.FieldLogger

	closers []io.Closer
}

// Open migrates the workspace database and wires the engine for cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, log logrus.FieldLogger) (*Runtime, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	rt := &Runtime{Workspace: workspace, Config: cfg, DB: conn, Log: log, closers: []io.Closer{conn}}
	if err := rt.init(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) init(ctx context.Context) error {
	cfg := rt.Config
	version, err := migrate.Migrate(ctx, rt.DB)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		return err
	}
	if version > latest {
		return fmt.Errorf("workspace schema version %d is newer than this binary (%d)", version, latest)
	}
	tokens := signedurl.NewTokenIssuer(cfg.Service.BaseURL, cfg.Signing.Secret, cfg.SigningTTL())
	if cfg.Signing.Secret == "" {
		rt.Log.Warn("signing.secret is empty; uploaded and pooled media cannot be submitted")
	}
	var issuer signedurl.Issuer = tokens
	switch cfg.Storage.Backend {
	case config.BackendGCS:
		gcs, err := mediastore.NewGCSBlobs(ctx, cfg.Storage.GCS.Bucket, cfg.Storage.GCS.GoogleAccessID, cfg.Storage.GCS.PrivateKeyFile)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, gcs)
		rt.Blobs = gcs
		issuer = &signedurl.BucketIssuer{Signer: gcs, DefaultTTL: cfg.SigningTTL()}
	default:
		root := cfg.Storage.Path
		if !filepath.IsAbs(root) {
			root = filepath.Join(rt.Workspace, root)
		}
		local, err := mediastore.NewLocalBlobs(root)
		if err != nil {
			return err
		}
		rt.Blobs = local
	}
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	rt.Metrics = m
	rt.Engine = engine.New(rt.DB, cfg, engine.Deps{
		Store:    mediastore.New(repo.Repo{DB: rt.DB}, rt.Blobs, rt.Log),
		Issuer:   issuer,
		Verifier: tokens,
		Client:   submission.New(cfg.API.BaseURL, cfg.API.Key, cfg.APITimeout()),
		Metrics:  m,
		Log:      rt.Log,
	})
	rt.Log.WithFields(logrus.Fields{"backend": cfg.Storage.Backend, "workspace": rt.Workspace}).Debug("runtime ready")
	return nil
}

// Close releases the storage client and the database.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
