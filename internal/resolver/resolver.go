package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediajob/internal/domain"
	"mediajob/internal/mediastore"
	"mediajob/internal/repo"
	"mediajob/internal/signedurl"
)

// Store is the media store surface the resolver needs.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader, pooled bool) (domain.Asset, error)
	SaveText(ctx context.Context, content string) (domain.Asset, error)
	Delete(ctx context.Context, a domain.Asset) error
	Get(ctx context.Context, id string) (domain.Asset, error)
	Exists(ctx context.Context, a domain.Asset) bool
}

// Extensions maps file extensions to media formats.
type Extensions struct {
	Audio    []string
	Video    []string
	Document []string
}

// FormatFor returns the media format of a lower-case extension.
func (e Extensions) FormatFor(ext string) (domain.MediaFormat, bool) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for format, list := range map[domain.MediaFormat][]string{
		domain.FormatAudio:    e.Audio,
		domain.FormatVideo:    e.Video,
		domain.FormatDocument: e.Document,
	} {
		for _, v := range list {
			if v == ext {
				return format, true
			}
		}
	}
	return "", false
}

// Supported reports whether ext maps to any format.
func (e Extensions) Supported(ext string) bool {
	_, ok := e.FormatFor(ext)
	return ok
}

// Resolved is the canonical media reference submitted to the service.
type Resolved struct {
	URL    string
	Format domain.MediaFormat
	Kind   domain.SourceKind
	// Asset is set for sources backed by the media store.
	Asset *domain.Asset
}

// Signed reports whether URL is a signed asset link.
func (r Resolved) Signed() bool { return r.Asset != nil }

type Resolver struct {
	Store      Store
	Issuer     signedurl.Issuer
	Extensions Extensions
	// TTL is the lifetime passed to the issuer for every link.
	TTL time.Duration
	Log logrus.FieldLogger
}

// Resolve turns a source into a (url, format) pair. Validation failures are
// *domain.ValidationError, store failures *domain.AssetSaveError.
func (r Resolver) Resolve(ctx context.Context, src Source) (Resolved, error) {
	var (
		res Resolved
		err error
	)
	switch s := src.(type) {
	case WebContent:
		res, err = resolveWeb(s.URL, domain.FormatWeb)
	case WebAudio:
		res, err = resolveWeb(s.URL, domain.FormatAudio)
	case WebVideo:
		res, err = resolveWeb(s.URL, domain.FormatVideo)
	case PooledMedia:
		res, err = r.resolvePooled(ctx, s)
	case UploadedFile:
		res, err = r.resolveUpload(ctx, s)
	case InlineText:
		res, err = r.resolveText(ctx, s)
	default:
		return Resolved{}, domain.Invalid(domain.CodeUnknownFormat, "source", "unsupported source %T", src)
	}
	if err != nil {
		return Resolved{}, err
	}
	res.Kind = src.Kind()
	if res.URL == "" || res.Format == "" {
		if res.Asset != nil {
			r.Discard(ctx, *res.Asset)
		}
		return Resolved{}, domain.Invalid(domain.CodeUnknownFormat, "source", "%s resolved to nothing", res.Kind)
	}
	r.logger().WithFields(logrus.Fields{"source": res.Kind, "format": res.Format, "signed": res.Signed()}).Debug("media resolved")
	return res, nil
}

func (r Resolver) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

func resolveWeb(raw string, format domain.MediaFormat) (Resolved, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Resolved{}, domain.Invalid(domain.CodeEmptyURL, "url", "required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Resolved{}, &domain.ValidationError{Code: domain.CodeInvalidURL, Field: "url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Resolved{}, domain.Invalid(domain.CodeInvalidURL, "url", "%q is not an absolute http(s) url", raw)
	}
	return Resolved{URL: raw, Format: format}, nil
}

func (r Resolver) resolvePooled(ctx context.Context, s PooledMedia) (Resolved, error) {
	id := strings.TrimSpace(s.AssetID)
	if id == "" {
		return Resolved{}, domain.Invalid(domain.CodeAssetNotFound, "asset_id", "required")
	}
	a, err := r.Store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Resolved{}, domain.Invalid(domain.CodeAssetNotFound, "asset_id", "%s", id)
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("load asset %s: %w", id, err)
	}
	if !r.Store.Exists(ctx, a) {
		return Resolved{}, domain.Invalid(domain.CodeMissingFile, "asset_id", "no stored file for %s", id)
	}
	return r.signed(ctx, a)
}

func (r Resolver) resolveUpload(ctx context.Context, s UploadedFile) (Resolved, error) {
	if len(s.Files) != 1 || s.Files[0].Reader == nil {
		return Resolved{}, domain.Invalid(domain.CodeMissingFile, "file", "exactly one file required, got %d", len(s.Files))
	}
	f := s.Files[0]
	name := mediastore.FixFilename(f.Name)
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if !r.Extensions.Supported(ext) {
		return Resolved{}, domain.Invalid(domain.CodeUnknownFormat, "file", "extension %q not supported", ext)
	}
	a, err := r.Store.Save(ctx, name, f.Reader, false)
	if err != nil {
		var saveErr *domain.AssetSaveError
		if errors.As(err, &saveErr) {
			return Resolved{}, err
		}
		return Resolved{}, &domain.AssetSaveError{Name: name, Err: err}
	}
	res, err := r.signed(ctx, a)
	if err != nil {
		r.Discard(ctx, a)
		return Resolved{}, err
	}
	return res, nil
}

func (r Resolver) resolveText(ctx context.Context, s InlineText) (Resolved, error) {
	if strings.TrimSpace(s.Content) == "" {
		return Resolved{}, domain.Invalid(domain.CodeInvalidField, "text", "required")
	}
	a, err := r.Store.SaveText(ctx, s.Content)
	if err != nil {
		var saveErr *domain.AssetSaveError
		if errors.As(err, &saveErr) {
			return Resolved{}, err
		}
		return Resolved{}, &domain.AssetSaveError{Name: mediastore.FreetextName, Err: err}
	}
	link, err := r.Issuer.Issue(ctx, a, r.TTL)
	if err != nil {
		r.Discard(ctx, a)
		return Resolved{}, fmt.Errorf("sign asset %s: %w", a.ID, err)
	}
	return Resolved{URL: link, Format: domain.FormatFreetext, Asset: &a}, nil
}

// Discard removes an asset saved for a single submission. Pooled assets
// are never touched.
func (r Resolver) Discard(ctx context.Context, a domain.Asset) {
	if a.Pooled {
		return
	}
	if err := r.Store.Delete(ctx, a); err != nil {
		r.logger().WithError(err).WithField("asset", a.ID).Warn("submission asset not removed")
		return
	}
	r.logger().WithField("asset", a.ID).Debug("submission asset discarded")
}

func (r Resolver) signed(ctx context.Context, a domain.Asset) (Resolved, error) {
	format, ok := r.Extensions.FormatFor(a.Extension())
	if !ok {
		return Resolved{}, domain.Invalid(domain.CodeUnknownFormat, "asset_id", "extension %q of %s not supported", a.Extension(), a.ID)
	}
	link, err := r.Issuer.Issue(ctx, a, r.TTL)
	if err != nil {
		return Resolved{}, fmt.Errorf("sign asset %s: %w", a.ID, err)
	}
	return Resolved{URL: link, Format: format, Asset: &a}, nil
}
