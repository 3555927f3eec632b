package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MaxAutoCheckpoints is how many automatic snapshots are kept per database.
const MaxAutoCheckpoints = 5

// ErrNoCheckpoint is returned for databases that cannot be snapshotted.
var ErrNoCheckpoint = errors.New("database cannot be checkpointed")

// Checkpoint writes a consistent snapshot of the database next to it, under
// checkpoints/, and prunes older snapshots with the same prefix. It returns
// the snapshot path. Runs that write prices take one first so a bad batch can
// be rolled back wholesale.
func (s *SQLiteStorage) Checkpoint(ctx context.Context, prefix string) (string, error) {
	if s.dbPath == ":memory:" {
		return "", fmt.Errorf("%w: in-memory database", ErrNoCheckpoint)
	}
	if err := validateString(prefix, "prefix"); err != nil {
		return "", err
	}

	dir, err := filepath.Abs(filepath.Join(filepath.Dir(s.dbPath), "checkpoints"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve checkpoint directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s.db", prefix, time.Now().Format("2006-01-02-150405.000")))

	// VACUUM INTO takes no bind parameters.
	if strings.ContainsAny(dest, `'";`) {
		return "", fmt.Errorf("invalid checkpoint path %q", dest)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	// #nosec G201 - dest is validated above
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}

	if err := pruneCheckpoints(dir, prefix, MaxAutoCheckpoints); err != nil {
		slog.Warn("failed to prune old checkpoints", "dir", dir, "error", err)
	}
	return dest, nil
}

func pruneCheckpoints(dir, prefix string, keep int) error {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.db"))
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil {
			return err
		}
	}
	return nil
}
