// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/blobpool/blobpool/lib/backend"
	"github.com/blobpool/blobpool/lib/blob"
)

// RunBackup drains the pending-backup queue, copying every queued
// blob from the primary store to the backup store. Each copy is
// checked first, so re-running a partially completed sweep never
// duplicates work. A blob found only in the backup is copied back to
// the primary, and a blob missing from both stores is dropped from
// the queue with a warning.
func (s *Store) RunBackup(ctx context.Context) error {
	if s.backup == nil {
		return nil
	}
	pending, err := s.db.ListPendingBackups(ctx)
	if err != nil {
		return fmt.Errorf("backup sweep: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	s.logger.Info("backup sweep starting", "pending", len(pending))

	copied, skipped := 0, 0
	for _, hash := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := s.backup.Exists(ctx, hash.Path())
		if err != nil {
			return fmt.Errorf("backup sweep: checking %s: %w", hash, err)
		}
		if exists {
			inPrimary, err := s.backend.Exists(ctx, hash.Path())
			if err != nil {
				return fmt.Errorf("backup sweep: checking %s: %w", hash, err)
			}
			if !inPrimary {
				// The queued blob survived only in the backup. Restore
				// it so the primary serves it again.
				s.logger.Warn("restoring blob from backup", "hash", hash.String())
				if err := s.restoreFromBackup(ctx, hash); err != nil {
					return err
				}
			}
			skipped++
		} else {
			body, info, err := s.backend.Get(ctx, hash.Path())
			if errors.Is(err, backend.ErrNotExist) {
				s.logger.Warn("pending backup missing from both stores", "hash", hash.String())
				if err := s.db.RemovePendingBackup(ctx, hash); err != nil {
					return fmt.Errorf("backup sweep: %w", err)
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("backup sweep: reading %s: %w", hash, err)
			}
			err = s.backup.Put(ctx, hash.Path(), body, backend.PutOptions{
				ContentType: info.ContentType,
				PublicRead:  info.PublicRead,
			})
			body.Close()
			if err != nil {
				return fmt.Errorf("backup sweep: copying %s: %w", hash, err)
			}
			copied++
		}
		if err := s.db.RemovePendingBackup(ctx, hash); err != nil {
			return fmt.Errorf("backup sweep: %w", err)
		}
	}
	s.logger.Info("backup sweep finished", "copied", copied, "already_present", skipped)
	return nil
}

func (s *Store) restoreFromBackup(ctx context.Context, hash blob.Hash) error {
	body, info, err := s.backup.Get(ctx, hash.Path())
	if err != nil {
		return fmt.Errorf("backup sweep: reading backup copy of %s: %w", hash, err)
	}
	err = s.backend.Put(ctx, hash.Path(), body, backend.PutOptions{
		ContentType: info.ContentType,
		PublicRead:  true,
	})
	body.Close()
	if err != nil {
		return fmt.Errorf("backup sweep: restoring %s: %w", hash, err)
	}
	return nil
}
