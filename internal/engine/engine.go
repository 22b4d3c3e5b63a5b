package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediajob/internal/access"
	"mediajob/internal/config"
	"mediajob/internal/domain"
	"mediajob/internal/form"
	"mediajob/internal/logging"
	"mediajob/internal/mediastore"
	"mediajob/internal/metrics"
	"mediajob/internal/repo"
	"mediajob/internal/resolver"
	"mediajob/internal/signedurl"
	"mediajob/internal/submission"
)

var (
	ErrAlreadySubmitted   = errors.New("document already submitted")
	ErrSubmissionInFlight = errors.New("submission already in progress for document")
	ErrUnknownAction      = errors.New("unknown callback action")
	ErrUnknownRole        = errors.New("unknown role")
)

// Submitter sends a request to the processing service.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (string, error)
}

// Verifier validates asset tokens issued by this process.
type Verifier interface {
	Verify(token, assetID string) error
}

// Deps are the collaborators New cannot derive from the database.
type Deps struct {
	Store    *mediastore.Store
	Issuer   signedurl.Issuer
	Verifier Verifier
	Client   Submitter
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Access   access.Service
	Gate     access.Gate
	Config   *config.Config
	Store    *mediastore.Store
	Resolver resolver.Resolver
	Client   Submitter
	Verifier Verifier
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
	Now      func() time.Time

	inflight *inflight
}

func New(db *sql.DB, cfg *config.Config, deps Deps) Engine {
	r := repo.Repo{DB: db}
	log := deps.Log
	if log == nil {
		log = logging.Log
	}
	svc := access.Service{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Access: svc,
		Gate:   access.NewGate(svc, r, log),
		Config: cfg,
		Store:  deps.Store,
		Resolver: resolver.Resolver{
			Store:      deps.Store,
			Issuer:     deps.Issuer,
			Extensions: ExtensionsOf(cfg),
			TTL:        cfg.SigningTTL(),
			Log:        log,
		},
		Client:   deps.Client,
		Verifier: deps.Verifier,
		Metrics:  deps.Metrics,
		Log:      log,
		Now:      time.Now,
		inflight: newInflight(),
	}
}

// ExtensionsOf returns the configured extension lists.
func ExtensionsOf(cfg *config.Config) resolver.Extensions {
	return resolver.Extensions{Audio: cfg.Media.Audio, Video: cfg.Media.Video, Document: cfg.Media.Document}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) require(ctx context.Context, perm, actorID, objectID string) error {
	if !e.Gate.CheckAccess(ctx, perm, actorID, objectID) {
		if _, err := e.Repo.GetDocument(ctx, objectID); errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return access.ForbiddenError{Permission: perm, ObjectID: objectID}
	}
	return nil
}

// CheckAccess exposes the access gate.
func (e Engine) CheckAccess(ctx context.Context, perm, actorID, objectID string) bool {
	return e.Gate.CheckAccess(ctx, perm, actorID, objectID)
}

// CreateDocument inserts a Document and makes actorID its owner.
func (e Engine) CreateDocument(ctx context.Context, title, actorID string) (domain.Document, error) {
	title, err := form.Title(title)
	if err != nil {
		return domain.Document{}, err
	}
	if actorID == "" {
		return domain.Document{}, errors.New("actor_id required")
	}
	now := e.ts()
	d := domain.Document{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Document{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, d.ID, actorID, "owner"); err != nil {
		return domain.Document{}, fmt.Errorf("assign owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	e.Log.WithFields(logrus.Fields{"document": d.ID, "actor": actorID}).Info("document created")
	return d, nil
}

func (e Engine) GetDocument(ctx context.Context, id, actorID string) (domain.Document, error) {
	if err := e.require(ctx, domain.PermRead, actorID, id); err != nil {
		return domain.Document{}, err
	}
	return e.Repo.GetDocument(ctx, id)
}

// ListDocuments returns up to f.Limit Documents visible to actorID. Pages
// are read until the limit is filled or the table is exhausted.
func (e Engine) ListDocuments(ctx context.Context, actorID string, f repo.DocumentFilters) ([]domain.Document, error) {
	if f.Limit <= 0 {
		f.Limit = repo.DefaultDocumentLimit
	}
	want := f.Limit
	res := make([]domain.Document, 0, want)
	for {
		page, err := e.Repo.ListDocuments(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, d := range page {
			if e.Gate.CheckAccess(ctx, domain.PermVisible, actorID, d.ID) {
				res = append(res, d)
				if len(res) == want {
					return res, nil
				}
			}
		}
		if len(page) < f.Limit {
			return res, nil
		}
		f.Offset += len(page)
	}
}

// DocumentUpdate carries optional changes to a Document.
type DocumentUpdate struct {
	Title  *string
	Online *bool
}

func (e Engine) UpdateDocument(ctx context.Context, id, actorID string, u DocumentUpdate) (domain.Document, error) {
	if err := e.require(ctx, domain.PermWrite, actorID, id); err != nil {
		return domain.Document{}, err
	}
	if u.Title != nil {
		t, err := form.Title(*u.Title)
		if err != nil {
			return domain.Document{}, err
		}
		u.Title = &t
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDocument(ctx, tx, id, u.Title, u.Online, e.ts()); err != nil {
		return domain.Document{}, err
	}
	d, err := e.Repo.GetDocumentTx(ctx, tx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

func (e Engine) DeleteDocument(ctx context.Context, id, actorID string) error {
	if err := e.require(ctx, domain.PermDelete, actorID, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteDocument(ctx, id); err != nil {
		return err
	}
	e.Log.WithFields(logrus.Fields{"document": id, "actor": actorID}).Info("document deleted")
	return nil
}

// GetJob returns the job attached to a Document.
func (e Engine) GetJob(ctx context.Context, id, actorID string) (domain.DocumentJob, error) {
	d, err := e.GetDocument(ctx, id, actorID)
	if err != nil {
		return domain.DocumentJob{}, err
	}
	if !d.Submitted() {
		return domain.DocumentJob{}, repo.ErrNotFound
	}
	return e.Repo.GetJob(ctx, *d.DocumentID)
}

func (e Engine) ListActivities(ctx context.Context, id, actorID string, limit int) ([]domain.Activity, error) {
	d, err := e.GetDocument(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if !d.Submitted() {
		return []domain.Activity{}, nil
	}
	return e.Repo.ListActivities(ctx, *d.DocumentID, limit)
}

// Grants lists the roles and resulting permissions an actor holds on a Document.
type Grants struct {
	ObjectID    string   `json:"object_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// WhoAmI reports actorID's grants. Grants are reported as stored; the
// online flag is applied by CheckAccess only.
func (e Engine) WhoAmI(ctx context.Context, objectID, actorID string) (Grants, error) {
	if _, err := e.Repo.GetDocument(ctx, objectID); err != nil {
		return Grants{}, err
	}
	roles, err := e.Repo.ObjectRoles(ctx, objectID, actorID)
	if err != nil {
		return Grants{}, err
	}
	perms, err := e.Access.ActorPermissions(ctx, objectID, actorID)
	if err != nil {
		return Grants{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return Grants{ObjectID: objectID, ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole gives target a role on the Document.
func (e Engine) GrantRole(ctx context.Context, objectID, actorID, target, role string) error {
	if err := e.require(ctx, domain.PermEditPermission, actorID, objectID); err != nil {
		return err
	}
	ok, err := e.Repo.RoleExists(ctx, role)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, target, e.ts()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, objectID, target, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, objectID, actorID, target, role string) error {
	if err := e.require(ctx, domain.PermEditPermission, actorID, objectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, objectID, target, role); err != nil {
		return err
	}
	return tx.Commit()
}

// AddAsset stores a file in the media pool on behalf of actorID, who
// becomes its owner.
func (e Engine) AddAsset(ctx context.Context, name string, r io.Reader, actorID string) (domain.Asset, error) {
	ext := domain.Asset{Name: mediastore.FixFilename(name)}.Extension()
	if !e.Resolver.Extensions.Supported(ext) {
		return domain.Asset{}, domain.Invalid(domain.CodeUnknownFormat, "file", "extension %q not supported", ext)
	}
	return e.Store.AddToPool(ctx, name, r, actorID)
}

// RemoveAsset deletes a pooled asset and its bytes. Only the actor who
// added it may remove it. Jobs already submitted keep their (expiring) link.
func (e Engine) RemoveAsset(ctx context.Context, assetID, actorID string) error {
	a, err := e.Store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if !a.Pooled {
		return fmt.Errorf("%w: %s is not pooled", repo.ErrNotFound, assetID)
	}
	if a.OwnerID == "" || a.OwnerID != actorID {
		return access.ForbiddenError{Permission: domain.PermDelete, ObjectID: assetID}
	}
	if err := e.Store.Delete(ctx, a); err != nil {
		return err
	}
	e.Log.WithFields(logrus.Fields{"asset": assetID, "actor": actorID}).Info("pooled asset removed")
	return nil
}

// ListAssets returns pooled assets with a supported extension.
func (e Engine) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	return e.Store.ListPooled(ctx, e.Resolver.Extensions.Supported)
}

// OpenSignedAsset checks token and opens the asset for streaming.
func (e Engine) OpenSignedAsset(ctx context.Context, assetID, token string) (domain.Asset, io.ReadCloser, error) {
	if e.Verifier == nil {
		return domain.Asset{}, nil, signedurl.ErrInvalidToken
	}
	if err := e.Verifier.Verify(token, assetID); err != nil {
		e.Metrics.ObserveSignedURL("rejected")
		return domain.Asset{}, nil, err
	}
	a, err := e.Store.Get(ctx, assetID)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	rc, err := e.Store.Open(ctx, a)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	e.Metrics.ObserveSignedURL("served")
	return a, rc, nil
}

// Limits describes what the submission form accepts.
type Limits struct {
	Extensions map[domain.MediaFormat][]string `json:"extensions"`
	Languages  []string                        `json:"languages"`
	Text       form.InputLimits                `json:"text"`
	Credit     int                             `json:"credit_per_submission"`
}

func (e Engine) Limits() Limits {
	return Limits{
		Extensions: map[domain.MediaFormat][]string{
			domain.FormatAudio:    e.Config.Media.Audio,
			domain.FormatVideo:    e.Config.Media.Video,
			domain.FormatDocument: e.Config.Media.Document,
		},
		Languages: e.Config.Languages,
		Text:      form.DefaultLimits(),
		Credit:    e.Config.Credit.PerSubmission,
	}
}

type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{keys: map[string]struct{}{}}
}

func (f *inflight) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}
