// Package s3store implements the SHL manifest builder's storage
// capability set on Amazon S3, using presigned GetObject requests to
// satisfy the "fresh short-lived URL per request" requirement for located
// (non-embedded) manifest files.
package s3store

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/amitkgupta/go-smarthealth/shcerr"
	"github.com/amitkgupta/go-smarthealth/shl"
)

// Store persists SHL manifest files as objects in a single S3 bucket.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	// URLExpiry is how long presigned GetURL results remain valid.
	// Defaults to 15 minutes.
	URLExpiry time.Duration
}

// New returns a Store backed by client, writing objects into bucket under
// keyPrefix (which may be empty).
func New(client *s3.Client, bucket, keyPrefix string) *Store {
	return &Store{
		client:    client,
		presign:   s3.NewPresignClient(client),
		bucket:    bucket,
		prefix:    keyPrefix,
		URLExpiry: 15 * time.Minute,
	}
}

func (s *Store) keyFor(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Upload implements shl.UploadFunc, writing ciphertext as a new S3
// object under a random key.
func (s *Store) Upload(ctx context.Context, _ shl.ContentType, ciphertext []byte) (string, error) {
	name := uuid.New().String()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.keyFor(name)),
		Body:   bytes.NewReader(ciphertext),
	})
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindShlNetwork, "put S3 object", err)
	}
	return name, nil
}

// GetURL implements shl.GetURLFunc, returning a freshly presigned GET URL
// valid for URLExpiry.
func (s *Store) GetURL(ctx context.Context, storagePath string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.keyFor(storagePath)),
	}, s3.WithPresignExpires(s.URLExpiry))
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindShlNetwork, "presign S3 GetObject", err)
	}
	return req.URL, nil
}

// Load implements shl.LoadFunc, fetching the object directly via the S3
// API rather than through a presigned URL.
func (s *Store) Load(ctx context.Context, storagePath string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.keyFor(storagePath)),
	})
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "get S3 object", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "read S3 object body", err)
	}
	return data, nil
}

// Remove implements shl.RemoveFunc.
func (s *Store) Remove(ctx context.Context, storagePath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.keyFor(storagePath)),
	})
	if err != nil {
		return shcerr.Wrap(shcerr.KindShlNetwork, "delete S3 object", err)
	}
	return nil
}

// Update implements shl.UpdateFunc, overwriting the object at the same
// key.
func (s *Store) Update(ctx context.Context, storagePath string, ciphertext []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.keyFor(storagePath)),
		Body:   bytes.NewReader(ciphertext),
	})
	if err != nil {
		return shcerr.Wrap(shcerr.KindShlNetwork, "overwrite S3 object", err)
	}
	return nil
}

func awsString(s string) *string {
	return &s
}
