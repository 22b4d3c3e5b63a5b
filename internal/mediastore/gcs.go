package mediastore

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// GCSBlobs keeps blobs in a Cloud Storage bucket.
type GCSBlobs struct {
	Client         *storage.Client
	Bucket         string
	GoogleAccessID string
	PrivateKey     []byte
}

// NewGCSBlobs opens a client with ambient credentials. privateKeyFile is
// optional; without it signing relies on the client's own credentials.
func NewGCSBlobs(ctx context.Context, bucket, accessID, privateKeyFile string) (*GCSBlobs, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create storage client")
	}
	b := &GCSBlobs{Client: client, Bucket: bucket, GoogleAccessID: accessID}
	if privateKeyFile != "" {
		key, err := os.ReadFile(privateKeyFile)
		if err != nil {
			client.Close()
			return nil, errors.Wrap(err, "read signing key")
		}
		b.PrivateKey = key
	}
	return b, nil
}

func (b *GCSBlobs) bucket() *storage.BucketHandle {
	return b.Client.Bucket(b.Bucket)
}

// Put writes only if the object does not exist yet; keys embed the asset id.
func (b *GCSBlobs) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	w := b.bucket().Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return n, errors.Wrapf(err, "write gs://%s/%s", b.Bucket, key)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return n, errors.Errorf("object gs://%s/%s already exists", b.Bucket, key)
		}
		return n, errors.Wrapf(err, "finalize gs://%s/%s", b.Bucket, key)
	}
	return n, nil
}

func (b *GCSBlobs) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := b.bucket().Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read gs://%s/%s", b.Bucket, key)
	}
	return rc, nil
}

func (b *GCSBlobs) Delete(ctx context.Context, key string) error {
	err := b.bucket().Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "delete gs://%s/%s", b.Bucket, key)
	}
	return nil
}

func (b *GCSBlobs) Check(ctx context.Context) error {
	if _, err := b.bucket().Attrs(ctx); err != nil {
		return errors.Wrapf(err, "bucket %s", b.Bucket)
	}
	return nil
}

// SignedURL returns a V4 signed GET url valid for ttl.
func (b *GCSBlobs) SignedURL(key string, ttl time.Duration, now time.Time) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		Expires:        now.Add(ttl),
		GoogleAccessID: b.GoogleAccessID,
		PrivateKey:     b.PrivateKey,
	}
	u, err := b.bucket().SignedURL(key, opts)
	if err != nil {
		return "", errors.Wrapf(err, "sign gs://%s/%s", b.Bucket, key)
	}
	return u, nil
}

func (b *GCSBlobs) Close() error {
	return b.Client.Close()
}
