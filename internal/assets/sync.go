// Package assets keeps the local cache of gene images in step with the
// source site.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"

	"go.uber.org/zap"

	"genesync/internal/blob"
	"genesync/pkg/domain"
)

// ErrDownloadSkipped marks a download that failed; the asset is left for the
// next cycle.
var ErrDownloadSkipped = errors.New("asset download skipped")

// Downloader opens remote asset bodies.
type Downloader interface {
	Download(ctx context.Context, assetURL string) (io.ReadCloser, error)
}

// Synchronizer applies asset sync actions against a blob store.
type Synchronizer struct {
	store blob.Store
	dl    Downloader
	log   *zap.Logger
}

// NewSynchronizer returns a Synchronizer writing into store.
func NewSynchronizer(store blob.Store, dl Downloader, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{store: store, dl: dl, log: log}
}

// LocalSize returns the cached size of key, or 0 when it is missing or
// cannot be read.
func (s *Synchronizer) LocalSize(ctx context.Context, key string) int64 {
	if key == "" {
		return 0
	}
	info, err := s.store.Head(ctx, key)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			s.log.Debug("asset stat failed", zap.String("key", key), zap.Error(err))
		}
		return 0
	}
	return info.Size
}

// Apply removes the stale asset, if any, and downloads the new one into
// action.TargetPath. A failed removal is logged and does not stop the
// download. Download failures wrap ErrDownloadSkipped.
func (s *Synchronizer) Apply(ctx context.Context, action domain.AssetSyncAction) error {
	if action.RemovePath != "" {
		if _, err := s.store.Delete(ctx, action.RemovePath); err != nil {
			s.log.Warn("stale asset not removed",
				zap.String("key", action.RemovePath), zap.Error(err))
		}
	}
	body, err := s.dl.Download(ctx, action.SourceURL)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownloadSkipped, action.SourceURL, err)
	}
	defer func() { _ = body.Close() }()

	opts := blob.PutOptions{ContentType: mime.TypeByExtension(path.Ext(action.TargetPath))}
	info, err := s.store.Put(ctx, action.TargetPath, &taggedReader{r: body}, opts)
	if err != nil {
		if ctx.Err() == nil && isReadFailure(err) {
			return fmt.Errorf("%w: %s: %w", ErrDownloadSkipped, action.SourceURL, err)
		}
		return fmt.Errorf("store asset %s: %w", action.TargetPath, err)
	}
	s.log.Debug("asset stored",
		zap.String("key", info.Key),
		zap.Int64("bytes", info.Size),
		zap.String("reason", string(action.Reason)))
	return nil
}

// Inventory lists every cached asset.
func (s *Synchronizer) Inventory(ctx context.Context) ([]blob.Info, error) {
	infos, err := s.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return infos, nil
}

// Remove deletes a cached asset and reports whether it existed.
func (s *Synchronizer) Remove(ctx context.Context, key string) (bool, error) {
	ok, err := s.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("remove asset %s: %w", key, err)
	}
	return ok, nil
}

// Open streams a cached asset. Unknown keys return blob.ErrNotFound.
func (s *Synchronizer) Open(ctx context.Context, key string) (blob.Info, io.ReadCloser, error) {
	info, body, err := s.store.Get(ctx, key)
	if err != nil {
		return blob.Info{}, nil, fmt.Errorf("open asset %s: %w", key, err)
	}
	return info, body, nil
}

// isReadFailure reports whether a Put failed while reading the download body
// rather than while writing to the store.
func isReadFailure(err error) bool {
	var rf *readFailure
	return errors.As(err, &rf)
}

type readFailure struct{ err error }

func (e *readFailure) Error() string { return "read download body: " + e.err.Error() }
func (e *readFailure) Unwrap() error { return e.err }

// taggedReader marks non-EOF read errors so they can be told apart from
// store errors.
type taggedReader struct{ r io.Reader }

func (t *taggedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		err = &readFailure{err: err}
	}
	return n, err
}
