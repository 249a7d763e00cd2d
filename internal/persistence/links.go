package persistence

import (
	"context"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

// PendingLink is a wiki link whose target note did not exist when the
// source was synced. The notes pipeline retries resolution on every run.
type PendingLink struct {
	SourcePath  string    `json:"source_path"`
	TargetTitle string    `json:"target_title"`
	CreatedAt   time.Time `json:"created_at"`
}

// AddPendingLink records an unresolved link. Re-adding the same pair is a
// no-op.
func (s *Store) AddPendingLink(ctx context.Context, sourcePath, targetTitle string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_links (source_path, target_title, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (source_path, target_title) DO NOTHING`,
			sourcePath, targetTitle, time.Now().UTC())
		return err
	})
	if err != nil {
		return errs.E("persistence.AddPendingLink", errs.KindTransientIO, err)
	}
	return nil
}

// PendingLinks returns all unresolved links, oldest first.
func (s *Store) PendingLinks(ctx context.Context) ([]PendingLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_path, target_title, created_at
		FROM pending_links ORDER BY created_at, source_path`)
	if err != nil {
		return nil, errs.E("persistence.PendingLinks", errs.KindTransientIO, err)
	}
	defer rows.Close()

	var links []PendingLink
	for rows.Next() {
		var l PendingLink
		if err := rows.Scan(&l.SourcePath, &l.TargetTitle, &l.CreatedAt); err != nil {
			return nil, errs.E("persistence.PendingLinks", errs.KindTransientIO, err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ResolvePendingLink removes a link once its target exists in the graph.
func (s *Store) ResolvePendingLink(ctx context.Context, sourcePath, targetTitle string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM pending_links WHERE source_path = ? AND target_title = ?`,
			sourcePath, targetTitle)
		return err
	})
	if err != nil {
		return errs.E("persistence.ResolvePendingLink", errs.KindTransientIO, err)
	}
	return nil
}

// DropLinksFromSource clears every pending link originating from a source
// note, used when the note itself is tombstoned.
func (s *Store) DropLinksFromSource(ctx context.Context, sourcePath string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pending_links WHERE source_path = ?`, sourcePath)
		return err
	})
	if err != nil {
		return errs.E("persistence.DropLinksFromSource", errs.KindTransientIO, err)
	}
	return nil
}
