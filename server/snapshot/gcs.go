package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// objectStore is the part of a bucket that StorageGCS uses.
// Names are full object names, including the prefix.
type objectStore interface {
	newWriter(ctx context.Context, object, contentType, cacheControl string) io.WriteCloser
	newReader(ctx context.Context, object string) (r io.ReadCloser, modified time.Time, size int64, err error)
	delete(ctx context.Context, object string) error
}

// StorageGCS keeps snapshots in a Google Cloud Storage bucket, optionally under a prefix
type StorageGCS struct {
	bucketName string
	prefix     string
	isPublic   bool
	objects    objectStore
	close      func() error
	log        logs.Log
}

// NewStorageGCS uses the application default credentials
func NewStorageGCS(ctx context.Context, log logs.Log, bucketName, prefix string, isPublic bool) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCS client: %w", err)
	}
	s := newStorageGCS(log, &gcsBucket{client.Bucket(bucketName)}, bucketName, prefix, isPublic)
	s.close = client.Close
	return s, nil
}

func newStorageGCS(log logs.Log, objects objectStore, bucketName, prefix string, isPublic bool) *StorageGCS {
	return &StorageGCS{
		bucketName: bucketName,
		prefix:     path.Clean("/" + prefix)[1:],
		isPublic:   isPublic,
		objects:    objects,
		close:      func() error { return nil },
		log:        log,
	}
}

func (s *StorageGCS) Close() error {
	return s.close()
}

func (s *StorageGCS) objectName(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return name, nil
	}
	return s.prefix + "/" + name, nil
}

// The writer commits the object when it is closed
func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	object, err := s.objectName(name)
	if err != nil {
		return nil, err
	}
	cacheControl := "private, max-age=2592000"
	if s.isPublic {
		cacheControl = "public, max-age=2592000, immutable"
	}
	s.log.Debugf("Snapshot: writing gs://%v/%v", s.bucketName, object)
	return s.objects.newWriter(ctx, object, contentType(name), cacheControl), nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	object, err := s.objectName(name)
	if err != nil {
		return nil, err
	}
	r, modified, size, err := s.objects.newReader(ctx, object)
	if err != nil {
		return nil, notExist(err, name)
	}
	return &File{
		Reader:     r,
		ModifiedAt: modified,
		Size:       size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	object, err := s.objectName(name)
	if err != nil {
		return err
	}
	s.log.Infof("Snapshot: deleting gs://%v/%v", s.bucketName, object)
	return notExist(s.objects.delete(ctx, object), name)
}

func (s *StorageGCS) URL(name string) (string, error) {
	if !s.isPublic {
		return "", ErrNoPublicUrl
	}
	object, err := s.objectName(name)
	if err != nil {
		return "", err
	}
	return "https://storage.googleapis.com/" + s.bucketName + "/" + object, nil
}

// notExist makes a missing object look like a missing file
func notExist(err error, name string) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", fs.ErrNotExist, name)
	}
	return err
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

type gcsBucket struct {
	handle *gcs.BucketHandle
}

func (b *gcsBucket) newWriter(ctx context.Context, object, contentType, cacheControl string) io.WriteCloser {
	w := b.handle.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = cacheControl
	return w
}

func (b *gcsBucket) newReader(ctx context.Context, object string) (io.ReadCloser, time.Time, int64, error) {
	r, err := b.handle.Object(object).NewReader(ctx)
	if err != nil {
		return nil, time.Time{}, 0, err
	}
	return r, r.Attrs.LastModified, r.Attrs.Size, nil
}

func (b *gcsBucket) delete(ctx context.Context, object string) error {
	return b.handle.Object(object).Delete(ctx)
}
