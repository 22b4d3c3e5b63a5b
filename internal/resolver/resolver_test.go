package resolver

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediajob/internal/domain"
	"mediajob/internal/repo"
)

type fakeStore struct {
	assets  map[string]domain.Asset
	missing map[string]bool
	saveErr error
	saved   []string
	deleted []string
}

func (f *fakeStore) Save(_ context.Context, name string, r io.Reader, _ bool) (domain.Asset, error) {
	if f.saveErr != nil {
		return domain.Asset{}, f.saveErr
	}
	_, _ = io.ReadAll(r)
	f.saved = append(f.saved, name)
	return domain.Asset{ID: "up1", Name: name, Key: "up1/" + name}, nil
}

func (f *fakeStore) SaveText(ctx context.Context, content string) (domain.Asset, error) {
	return f.Save(ctx, "freetext.htm", strings.NewReader(content), false)
}

func (f *fakeStore) Delete(_ context.Context, a domain.Asset) error {
	f.deleted = append(f.deleted, a.ID)
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (domain.Asset, error) {
	a, ok := f.assets[id]
	if !ok {
		return a, repo.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) Exists(_ context.Context, a domain.Asset) bool {
	return !f.missing[a.ID]
}

type fakeIssuer struct {
	calls []time.Duration
	err   error
}

func (f *fakeIssuer) Issue(_ context.Context, a domain.Asset, ttl time.Duration) (string, error) {
	f.calls = append(f.calls, ttl)
	if f.err != nil {
		return "", f.err
	}
	return "https://lms.example/assets/" + a.ID + "/" + a.Name + "?token=t", nil
}

func newResolver(store *fakeStore, issuer *fakeIssuer) Resolver {
	return Resolver{
		Store:  store,
		Issuer: issuer,
		Extensions: Extensions{
			Audio:    []string{"mp3"},
			Video:    []string{"mp4"},
			Document: []string{"pdf"},
		},
		TTL: 30 * time.Second,
	}
}

func validationCode(t *testing.T, err error) string {
	t.Helper()
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr), "want ValidationError, got %v", err)
	return verr.Code
}

func TestWebSourcesPassThroughUnsigned(t *testing.T) {
	iss := &fakeIssuer{}
	r := newResolver(&fakeStore{}, iss)
	for src, want := range map[Source]domain.MediaFormat{
		WebContent{URL: "https://example.com/page"}: domain.FormatWeb,
		WebAudio{URL: "https://example.com/a.mp3"}:  domain.FormatAudio,
		WebVideo{URL: "http://example.com/v"}:       domain.FormatVideo,
	} {
		res, err := r.Resolve(context.Background(), src)
		require.NoError(t, err)
		assert.Equal(t, want, res.Format)
		assert.False(t, res.Signed())
		assert.Equal(t, src.Kind(), res.Kind)
	}
	res, _ := r.Resolve(context.Background(), WebContent{URL: "https://example.com/page"})
	assert.Equal(t, "https://example.com/page", res.URL)
	assert.Empty(t, iss.calls)
}

func TestWebSourceValidation(t *testing.T) {
	r := newResolver(&fakeStore{}, &fakeIssuer{})
	_, err := r.Resolve(context.Background(), WebContent{URL: "  "})
	assert.Equal(t, domain.CodeEmptyURL, validationCode(t, err))
	_, err = r.Resolve(context.Background(), WebVideo{URL: "not a url"})
	assert.Equal(t, domain.CodeInvalidURL, validationCode(t, err))
	_, err = r.Resolve(context.Background(), WebAudio{URL: "ftp://example.com/a.mp3"})
	assert.Equal(t, domain.CodeInvalidURL, validationCode(t, err))
}

func TestPooledPDFResolvesToDocument(t *testing.T) {
	iss := &fakeIssuer{}
	store := &fakeStore{assets: map[string]domain.Asset{"p1": {ID: "p1", Name: "Handout.PDF", Key: "p1/Handout.PDF"}}}
	res, err := newResolver(store, iss).Resolve(context.Background(), PooledMedia{AssetID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, domain.FormatDocument, res.Format)
	assert.True(t, res.Signed())
	assert.Contains(t, res.URL, "/assets/p1/")
	assert.Equal(t, []time.Duration{30 * time.Second}, iss.calls)
}

func TestPooledMediaFailures(t *testing.T) {
	store := &fakeStore{
		assets: map[string]domain.Asset{
			"exe":  {ID: "exe", Name: "setup.exe"},
			"gone": {ID: "gone", Name: "a.mp3"},
		},
		missing: map[string]bool{"gone": true},
	}
	iss := &fakeIssuer{}
	r := newResolver(store, iss)
	_, err := r.Resolve(context.Background(), PooledMedia{AssetID: "exe"})
	assert.Equal(t, domain.CodeUnknownFormat, validationCode(t, err))
	_, err = r.Resolve(context.Background(), PooledMedia{AssetID: "gone"})
	assert.Equal(t, domain.CodeMissingFile, validationCode(t, err))
	_, err = r.Resolve(context.Background(), PooledMedia{AssetID: "nope"})
	assert.Equal(t, domain.CodeAssetNotFound, validationCode(t, err))
	_, err = r.Resolve(context.Background(), PooledMedia{})
	assert.Equal(t, domain.CodeAssetNotFound, validationCode(t, err))
	assert.Empty(t, iss.calls)
}

func TestUploadedFileSavedThenSigned(t *testing.T) {
	store := &fakeStore{}
	r := newResolver(store, &fakeIssuer{})
	res, err := r.Resolve(context.Background(), UploadedFile{Files: []StagedFile{{Name: "My Talk.mp4", Reader: strings.NewReader("x")}}})
	require.NoError(t, err)
	assert.Equal(t, domain.FormatVideo, res.Format)
	assert.Equal(t, []string{"My_Talk.mp4"}, store.saved)
}

func TestUploadedFileRejectedBeforeSave(t *testing.T) {
	store := &fakeStore{}
	r := newResolver(store, &fakeIssuer{})
	_, err := r.Resolve(context.Background(), UploadedFile{Files: []StagedFile{{Name: "virus.exe", Reader: strings.NewReader("x")}}})
	assert.Equal(t, domain.CodeUnknownFormat, validationCode(t, err))
	_, err = r.Resolve(context.Background(), UploadedFile{})
	assert.Equal(t, domain.CodeMissingFile, validationCode(t, err))
	assert.Empty(t, store.saved)
}

func TestUploadedFileSaveFailure(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("disk full")}
	iss := &fakeIssuer{}
	_, err := newResolver(store, iss).Resolve(context.Background(), UploadedFile{Files: []StagedFile{{Name: "a.mp3", Reader: strings.NewReader("x")}}})
	var saveErr *domain.AssetSaveError
	require.True(t, errors.As(err, &saveErr))
	assert.Empty(t, iss.calls)
}

func TestInlineTextBecomesSignedFreetext(t *testing.T) {
	store := &fakeStore{}
	iss := &fakeIssuer{}
	res, err := newResolver(store, iss).Resolve(context.Background(), InlineText{Content: strings.Repeat("a", 600)})
	require.NoError(t, err)
	assert.Equal(t, domain.FormatFreetext, res.Format)
	assert.True(t, res.Signed())
	assert.Equal(t, []string{"freetext.htm"}, store.saved)
	assert.Len(t, iss.calls, 1)
}

func TestSigningFailurePropagates(t *testing.T) {
	iss := &fakeIssuer{err: errors.New("no key")}
	store := &fakeStore{}
	_, err := newResolver(store, iss).Resolve(context.Background(), InlineText{Content: "text"})
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.False(t, errors.As(err, &verr))
	assert.Equal(t, []string{"up1"}, store.deleted)

	store = &fakeStore{}
	_, err = newResolver(store, iss).Resolve(context.Background(), UploadedFile{Files: []StagedFile{{Name: "talk.mp3", Reader: strings.NewReader("ID3")}}})
	require.Error(t, err)
	assert.Equal(t, []string{"up1"}, store.deleted)
}

func TestDiscardLeavesPooledAssets(t *testing.T) {
	store := &fakeStore{}
	r := newResolver(store, &fakeIssuer{})
	r.Discard(context.Background(), domain.Asset{ID: "pool1", Pooled: true})
	r.Discard(context.Background(), domain.Asset{ID: "sub1"})
	assert.Equal(t, []string{"sub1"}, store.deleted)
}

func TestFromForm(t *testing.T) {
	for _, tc := range []struct {
		media, web string
		want       domain.SourceKind
	}{
		{"web", "content", domain.SourceWebContent},
		{"web", "audio", domain.SourceWebAudio},
		{"web", "video", domain.SourceWebVideo},
		{"mob", "", domain.SourcePooledMedia},
		{"file", "", domain.SourceUploadedFile},
		{"freetext", "", domain.SourceInlineText},
		{"inline_text", "", domain.SourceInlineText},
	} {
		src, err := FromForm(tc.media, tc.web, Fields{})
		require.NoError(t, err)
		assert.Equal(t, tc.want, src.Kind())
	}
	_, err := FromForm("web", "podcast", Fields{})
	assert.Error(t, err)
	_, err = FromForm("carrier-pigeon", "", Fields{})
	assert.Error(t, err)
}
