// Package checkpoint captures workspace snapshots in a content-addressed
// blob store and supports diff and rollback.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/storage"
)

// Config tunes the blob store.
type Config struct {
	// MaxFileSize caps a single blob; larger inputs fail with FileTooLarge.
	MaxFileSize int64
	// StreamBufferSize is the read buffer for StoreStream.
	StreamBufferSize int
}

// DefaultConfig allows files up to 10 MiB.
func DefaultConfig() Config {
	return Config{MaxFileSize: 10 * 1024 * 1024, StreamBufferSize: 64 * 1024}
}

// BlobStore is the content-addressed layer: blobs are keyed by their SHA-256
// hex digest and shared between checkpoints via refcounts.
type BlobStore struct {
	db  *storage.Database
	cfg Config

	// gcMu is the advisory lock making GC re-entrant safe.
	gcMu sync.Mutex
}

func NewBlobStore(db *storage.Database, cfg Config) *BlobStore {
	return &BlobStore{db: db, cfg: cfg}
}

// ComputeHash returns the hex SHA-256 of content.
func ComputeHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store writes content and returns its hash. Storing bytes that already
// exist increments the refcount instead of inserting a second row.
func (s *BlobStore) Store(ctx context.Context, content []byte) (string, error) {
	if int64(len(content)) > s.cfg.MaxFileSize {
		return "", errdef.NewFileTooLarge(int64(len(content)))
	}
	hash := ComputeHash(content)
	return hash, s.insertOrRef(ctx, hash, content)
}

// StoreStream reads everything from r, hashing while streaming, and stores
// the result. The size cap is checked as bytes arrive so an oversized input
// fails before it is fully buffered.
func (s *BlobStore) StoreStream(ctx context.Context, r io.Reader) (string, error) {
	hasher := sha256.New()
	var content []byte
	buf := make([]byte, s.cfg.StreamBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			content = append(content, buf[:n]...)
			if int64(len(content)) > s.cfg.MaxFileSize {
				return "", errdef.NewFileTooLarge(int64(len(content)))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errdef.Wrap(err, errdef.KindIo, "read blob stream")
		}
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	return hash, s.insertOrRef(ctx, hash, content)
}

func (s *BlobStore) insertOrRef(ctx context.Context, hash string, content []byte) error {
	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return s.IncrementRef(ctx, hash)
	}
	_, err = s.db.DB().ExecContext(ctx,
		`INSERT INTO checkpoint_blobs (hash, content, size, ref_count, created_at) VALUES (?, ?, ?, 1, ?)`,
		hash, content, len(content), time.Now().UTC().Unix())
	return errdef.Wrap(err, errdef.KindIo, "insert blob %s", hash)
}

// Get returns the blob bytes, or NotFound.
func (s *BlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT content FROM checkpoint_blobs WHERE hash = ?`, hash).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.New(errdef.KindNotFound, "blob %s", hash)
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "read blob %s", hash)
	}
	return content, nil
}

// Exists reports whether a blob is stored.
func (s *BlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT 1 FROM checkpoint_blobs WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errdef.Wrap(err, errdef.KindIo, "probe blob %s", hash)
	}
	return true, nil
}

// IncrementRef bumps a blob's refcount.
func (s *BlobStore) IncrementRef(ctx context.Context, hash string) error {
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE checkpoint_blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
	return errdef.Wrap(err, errdef.KindIo, "increment ref %s", hash)
}

// DecrementRef lowers a blob's refcount, saturating at 0.
func (s *BlobStore) DecrementRef(ctx context.Context, hash string) error {
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE checkpoint_blobs SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0`, hash)
	return errdef.Wrap(err, errdef.KindIo, "decrement ref %s", hash)
}

// GC deletes every blob whose refcount reached 0 and returns the count
// removed. The advisory lock serializes concurrent sweeps.
func (s *BlobStore) GC(ctx context.Context) (int64, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	res, err := s.db.DB().ExecContext(ctx, `DELETE FROM checkpoint_blobs WHERE ref_count <= 0`)
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "blob gc")
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		slog.Info("blob gc removed orphans", "count", deleted)
	}
	return deleted, nil
}

// Stats summarizes the store.
type Stats struct {
	BlobCount     int64 `json:"blob_count"`
	TotalSize     int64 `json:"total_size"`
	TotalRefs     int64 `json:"total_refs"`
	OrphanedCount int64 `json:"orphaned_count"`
}

// GetStats returns aggregate counters over all blobs.
func (s *BlobStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(size), 0),
		        COALESCE(SUM(ref_count), 0),
		        COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0)
		 FROM checkpoint_blobs`).
		Scan(&st.BlobCount, &st.TotalSize, &st.TotalRefs, &st.OrphanedCount)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "blob stats")
	}
	return &st, nil
}
