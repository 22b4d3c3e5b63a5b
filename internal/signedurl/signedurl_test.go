package signedurl

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediajob/internal/domain"
)

var (
	t0    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	asset = domain.Asset{ID: "a1", Name: "freetext.htm", Key: "a1/freetext.htm"}
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newIssuer(c *clock) *TokenIssuer {
	i := NewTokenIssuer("https://lms.example/", "s3cret", 30*time.Second)
	i.Now = c.now
	return i
}

func tokenOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestIssueBuildsAssetURL(t *testing.T) {
	c := &clock{t: t0}
	raw, err := newIssuer(c).Issue(context.Background(), asset, 0)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "lms.example", u.Host)
	assert.Equal(t, "/assets/a1/freetext.htm", u.Path)
	assert.NotEmpty(t, u.Query().Get("token"))
}

func TestTokenValidForExactlyTTL(t *testing.T) {
	c := &clock{t: t0}
	i := newIssuer(c)
	raw, err := i.Issue(context.Background(), asset, 10*time.Second)
	require.NoError(t, err)
	tok := tokenOf(t, raw)

	c.t = t0.Add(9 * time.Second)
	assert.NoError(t, i.Verify(tok, "a1"))

	c.t = t0.Add(10 * time.Second)
	assert.True(t, errors.Is(i.Verify(tok, "a1"), ErrInvalidToken))
}

func TestDefaultTTLAppliesAndIsNotMutated(t *testing.T) {
	c := &clock{t: t0}
	i := newIssuer(c)

	_, err := i.Issue(context.Background(), asset, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, i.DefaultTTL)

	_, err = i.Issue(context.Background(), domain.Asset{}, 5*time.Minute)
	require.Error(t, err)
	assert.Equal(t, 30*time.Second, i.DefaultTTL)

	raw, err := i.Issue(context.Background(), asset, 0)
	require.NoError(t, err)
	c.t = t0.Add(29 * time.Second)
	assert.NoError(t, i.Verify(tokenOf(t, raw), "a1"))
	c.t = t0.Add(31 * time.Second)
	assert.Error(t, i.Verify(tokenOf(t, raw), "a1"))
}

func TestVerifyRejectsForeignAndTampered(t *testing.T) {
	c := &clock{t: t0}
	i := newIssuer(c)
	raw, err := i.Issue(context.Background(), asset, time.Minute)
	require.NoError(t, err)
	tok := tokenOf(t, raw)

	assert.Error(t, i.Verify(tok, "other"))
	assert.Error(t, i.Verify(tok+"x", "a1"))
	assert.Error(t, i.Verify("", "a1"))

	other := NewTokenIssuer("https://lms.example", "different", time.Minute)
	other.Now = c.now
	assert.Error(t, other.Verify(tok, "a1"))
}

func TestIssueWithoutSecretFails(t *testing.T) {
	i := NewTokenIssuer("https://lms.example", "", time.Minute)
	_, err := i.Issue(context.Background(), asset, 0)
	assert.True(t, errors.Is(err, ErrNoSecret))
	assert.True(t, errors.Is(i.Verify("x", "a1"), ErrNoSecret))
}

type fakeSigner struct {
	key string
	ttl time.Duration
}

func (f *fakeSigner) SignedURL(key string, ttl time.Duration, _ time.Time) (string, error) {
	f.key, f.ttl = key, ttl
	return "https://storage.example/" + key, nil
}

func TestBucketIssuerPassesTTL(t *testing.T) {
	s := &fakeSigner{}
	i := &BucketIssuer{Signer: s, DefaultTTL: 20 * time.Second}
	u, err := i.Issue(context.Background(), asset, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://storage.example/a1/freetext.htm", u)
	assert.Equal(t, 20*time.Second, s.ttl)

	_, err = i.Issue(context.Background(), asset, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, s.ttl)
	assert.Equal(t, 20*time.Second, i.DefaultTTL)
}
