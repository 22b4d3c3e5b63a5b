package mediastore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediajob/internal/domain"
)

// FreetextName is the file name inline text is stored under.
const FreetextName = "freetext.htm"

// sniffLen is how many leading bytes are inspected for content detection.
const sniffLen = 3072

// Catalog persists asset metadata.
type Catalog interface {
	InsertAsset(ctx context.Context, a domain.Asset) error
	GetAsset(ctx context.Context, id string) (domain.Asset, error)
	ListAssets(ctx context.Context, pooledOnly bool) ([]domain.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
}

// Store saves assets into a blob backend and records them in the catalog.
type Store struct {
	Catalog Catalog
	Blobs   Blobs
	Log     logrus.FieldLogger
	Now     func() time.Time
	NewID   func() string
}

func New(catalog Catalog, blobs Blobs, log logrus.FieldLogger) *Store {
	return &Store{Catalog: catalog, Blobs: blobs, Log: log}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Save stores r under a sanitized name. A failure leaves neither blob nor catalog row behind.
func (s *Store) Save(ctx context.Context, name string, r io.Reader, pooled bool) (domain.Asset, error) {
	return s.save(ctx, name, r, pooled, "")
}

// AddToPool saves r as pooled media owned by ownerID.
func (s *Store) AddToPool(ctx context.Context, name string, r io.Reader, ownerID string) (domain.Asset, error) {
	return s.save(ctx, name, r, true, ownerID)
}

func (s *Store) save(ctx context.Context, name string, r io.Reader, pooled bool, ownerID string) (domain.Asset, error) {
	name = FixFilename(name)
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.Asset{}, &domain.AssetSaveError{Name: name, Err: err}
	}
	head = head[:n]

	a := domain.Asset{
		ID:        s.newID(),
		Name:      name,
		MIMEType:  mimetype.Detect(head).String(),
		Pooled:    pooled,
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	a.Key = a.ID + "/" + name
	size, err := s.Blobs.Put(ctx, a.Key, io.MultiReader(bytes.NewReader(head), r))
	if err != nil {
		_ = s.Blobs.Delete(ctx, a.Key)
		return domain.Asset{}, &domain.AssetSaveError{Name: name, Err: err}
	}
	a.Size = size
	if err := s.Catalog.InsertAsset(ctx, a); err != nil {
		if derr := s.Blobs.Delete(ctx, a.Key); derr != nil && s.Log != nil {
			s.Log.WithError(derr).WithField("asset", a.ID).Warn("orphan blob left behind")
		}
		return domain.Asset{}, &domain.AssetSaveError{Name: name, Err: err}
	}
	if s.Log != nil {
		s.Log.WithFields(logrus.Fields{"asset": a.ID, "name": a.Name, "size": a.Size, "mime": a.MIMEType}).Info("asset saved")
	}
	return a, nil
}

// SaveText stores inline text as a freetext document.
func (s *Store) SaveText(ctx context.Context, content string) (domain.Asset, error) {
	return s.Save(ctx, FreetextName, strings.NewReader(content), false)
}

func (s *Store) Get(ctx context.Context, id string) (domain.Asset, error) {
	return s.Catalog.GetAsset(ctx, id)
}

func (s *Store) Open(ctx context.Context, a domain.Asset) (io.ReadCloser, error) {
	return s.Blobs.Open(ctx, a.Key)
}

// Delete drops the catalog row, then the bytes. A leftover blob is only logged.
func (s *Store) Delete(ctx context.Context, a domain.Asset) error {
	if err := s.Catalog.DeleteAsset(ctx, a.ID); err != nil {
		return err
	}
	if err := s.Blobs.Delete(ctx, a.Key); err != nil && s.Log != nil {
		s.Log.WithError(err).WithField("key", a.Key).Warn("asset bytes not removed")
	}
	if s.Log != nil {
		s.Log.WithField("asset", a.ID).Info("asset deleted")
	}
	return nil
}

// Exists reports whether the asset bytes are present in the backend.
func (s *Store) Exists(ctx context.Context, a domain.Asset) bool {
	rc, err := s.Blobs.Open(ctx, a.Key)
	if err != nil {
		return false
	}
	rc.Close()
	return true
}

// ListPooled returns pooled assets whose extension passes keep.
func (s *Store) ListPooled(ctx context.Context, keep func(ext string) bool) ([]domain.Asset, error) {
	all, err := s.Catalog.ListAssets(ctx, true)
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return all, nil
	}
	res := all[:0]
	for _, a := range all {
		if keep(a.Extension()) {
			res = append(res, a)
		}
	}
	return res, nil
}

// FixFilename reduces an uploaded name to a safe ASCII base name.
func FixFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" || out == "_" {
		return "file"
	}
	return out
}
