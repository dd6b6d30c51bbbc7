// Package sweep implements the reconciliation background loops that keep
// the catalog and the storage engine consistent over time: reclaiming
// storage blobs that have no catalog row (orphans left behind by a crash
// between a successful write and the catalog insert) and reaping multipart
// uploads whose expiry has passed.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/coldvault/coldvault/internal/metadata"
	"github.com/coldvault/coldvault/internal/storage"
)

// Sweeper runs the orphan-blob and expired-upload reconciliation loops on a
// fixed interval until its context is canceled.
type Sweeper struct {
	meta  metadata.MetadataStore
	store storage.StorageBackend

	interval    time.Duration
	orphanGrace time.Duration
}

// New creates a Sweeper. intervalSeconds and orphanGraceSeconds are taken
// directly from config.SweepConfig; zero values fall back to one hour and
// one day respectively.
func New(meta metadata.MetadataStore, store storage.StorageBackend, intervalSeconds, orphanGraceSeconds int) *Sweeper {
	interval := time.Duration(intervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	orphanGrace := time.Duration(orphanGraceSeconds) * time.Second
	if orphanGrace <= 0 {
		orphanGrace = 24 * time.Hour
	}
	return &Sweeper{
		meta:        meta,
		store:       store,
		interval:    interval,
		orphanGrace: orphanGrace,
	}
}

// Run blocks, executing one sweep pass immediately and then on every tick
// of the configured interval, until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce performs one pass of both reconciliation loops, logging but not
// propagating errors so that one failing loop doesn't block the other or
// crash the sweeper goroutine.
func (s *Sweeper) runOnce(ctx context.Context) {
	if n, err := s.reapExpiredUploads(); err != nil {
		slog.Error("sweep: expired upload reclamation failed", "error", err)
	} else if n > 0 {
		slog.Info("sweep: reclaimed expired multipart uploads", "count", n)
	}

	if n, err := s.reapOrphanBlobs(ctx); err != nil {
		slog.Error("sweep: orphan blob reclamation failed", "error", err)
	} else if n > 0 {
		slog.Info("sweep: reclaimed orphan blobs", "count", n)
	}
}

// reapExpiredUploads lists and deletes catalog rows for multipart uploads
// past their expiry, then removes the associated part files from storage.
// No-ops if the metadata store doesn't implement UploadReaper.
func (s *Sweeper) reapExpiredUploads() (int, error) {
	reaper, ok := s.meta.(metadata.UploadReaper)
	if !ok {
		return 0, nil
	}

	expired, err := reaper.ReapExpiredUploads(int(s.orphanGrace / time.Second))
	if err != nil {
		return 0, err
	}

	type partDeleter interface {
		DeleteUploadParts(uploadID string) error
	}
	if deleter, ok := s.store.(partDeleter); ok {
		for _, u := range expired {
			if err := deleter.DeleteUploadParts(u.UploadID); err != nil {
				slog.Warn("sweep: failed to delete parts for reaped upload", "upload_id", u.UploadID, "error", err)
			}
		}
	}

	return len(expired), nil
}

// reapOrphanBlobs lists every blob in storage and deletes any blob older
// than orphanGrace that has no matching catalog row. No-ops if the storage
// backend doesn't implement OrphanLister.
func (s *Sweeper) reapOrphanBlobs(ctx context.Context) (int, error) {
	lister, ok := s.store.(storage.OrphanLister)
	if !ok {
		return 0, nil
	}

	blobs, err := lister.ListBlobs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.orphanGrace)
	reclaimed := 0

	for _, blob := range blobs {
		if blob.ModTime.After(cutoff) {
			continue
		}

		exists, err := s.meta.ObjectExists(ctx, blob.Bucket, blob.Key)
		if err != nil {
			slog.Warn("sweep: failed to check catalog for blob", "bucket", blob.Bucket, "key", blob.Key, "error", err)
			continue
		}
		if exists {
			continue
		}

		if err := s.store.DeleteObject(ctx, blob.Bucket, blob.Key); err != nil {
			slog.Warn("sweep: failed to delete orphan blob", "bucket", blob.Bucket, "key", blob.Key, "error", err)
			continue
		}
		reclaimed++
	}

	return reclaimed, nil
}
