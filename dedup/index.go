package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/crypto/blake2b"

	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/statemap"
)

// Hash algorithm names accepted by Config.
const (
	AlgoSHA256  = "sha256"
	AlgoBLAKE2b = "blake2b"
)

// DefaultMinSize is the smallest payload worth deduplicating; below it
// the hashing and index overhead costs more than the duplicate bytes.
const DefaultMinSize = 1024

// Config tunes the deduplication index.
type Config struct {
	MinSize   int64
	Algorithm string
}

func (c Config) applyDefaults() Config {
	if c.MinSize == 0 {
		c.MinSize = DefaultMinSize
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgoSHA256
	}
	return c
}

// Entry maps a content hash to the canonical object first stored with it.
type Entry struct {
	ContentHash  string
	CanonicalID  interfaces.ObjectID
	Size         int64
	RegisteredAt time.Time
}

// Result is the outcome of a duplicate check.
type Result struct {
	// Eligible is false for payloads below the minimum size; such
	// payloads carry no content hash and are never deduplicated.
	Eligible    bool
	IsDuplicate bool
	CanonicalID interfaces.ObjectID
	ContentHash string
}

// Index detects duplicate uploads by content hash. Registration is
// first-writer-wins through an atomic set-if-absent, so two concurrent
// identical uploads agree on a single canonical object.
type Index struct {
	cfg     Config
	store   interfaces.ObjectStore
	entries *statemap.Map[Entry]
	// byObject reverses canonical id -> content hash for deletion.
	byObject *statemap.Map[string]
	clk      clock.Clock
	log      *slog.Logger
}

// NewIndex creates a deduplication index backed by the given object store
// for staleness verification.
func NewIndex(cfg Config, store interfaces.ObjectStore, clk clock.Clock, log *slog.Logger) (*Index, error) {
	cfg = cfg.applyDefaults()
	switch cfg.Algorithm {
	case AlgoSHA256, AlgoBLAKE2b:
	default:
		return nil, fmt.Errorf("unsupported dedup hash algorithm %q", cfg.Algorithm)
	}
	return &Index{
		cfg:      cfg,
		store:    store,
		entries:  statemap.New[Entry](),
		byObject: statemap.New[string](),
		clk:      clk,
		log:      log,
	}, nil
}

// MinSize returns the effective deduplication size cutoff.
func (ix *Index) MinSize() int64 {
	return ix.cfg.MinSize
}

// HashContent computes the configured content hash over the payload.
func (ix *Index) HashContent(data []byte) string {
	switch ix.cfg.Algorithm {
	case AlgoBLAKE2b:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// CheckDuplicate hashes the payload and looks for an existing canonical
// object. A mapping whose canonical object is gone from the store is
// stale: it is purged and the payload treated as new content.
func (ix *Index) CheckDuplicate(ctx context.Context, data []byte) (Result, error) {
	if int64(len(data)) < ix.cfg.MinSize {
		return Result{}, nil
	}

	hash := ix.HashContent(data)
	res := Result{Eligible: true, ContentHash: hash}

	entry, ok := ix.entries.Get(hash)
	if !ok {
		return res, nil
	}

	// Verify the canonical object still exists before declaring a
	// duplicate.
	_, err := ix.store.Stat(ctx, entry.CanonicalID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			ix.log.Info("Purging stale dedup mapping",
				slog.String("content_hash", hash[:16]),
				slog.String("canonical_id", entry.CanonicalID.Short()))
			ix.Remove(hash)
			return res, nil
		}
		// Store unreachable: fall back to storing the payload rather
		// than pointing the caller at an unverifiable object.
		ix.log.Warn("Dedup verification failed, treating as new content",
			slog.String("content_hash", hash[:16]), "err", err)
		return res, nil
	}

	res.IsDuplicate = true
	res.CanonicalID = entry.CanonicalID
	return res, nil
}

// RegisterContent records the canonical object for a content hash. The
// first registration wins; a concurrent second registration is a no-op
// that returns the winner, and the caller must treat its own upload as a
// duplicate discovery.
func (ix *Index) RegisterContent(id interfaces.ObjectID, contentHash string, size int64) (interfaces.ObjectID, bool) {
	if contentHash == "" {
		return id, false
	}
	winner, won := ix.entries.SetIfAbsent(contentHash, Entry{
		ContentHash:  contentHash,
		CanonicalID:  id,
		Size:         size,
		RegisteredAt: ix.clk.Now(),
	})
	if won {
		ix.byObject.Set(id.String(), contentHash)
	}
	return winner.CanonicalID, won
}

// Lookup returns the entry for a content hash.
func (ix *Index) Lookup(contentHash string) (Entry, bool) {
	return ix.entries.Get(contentHash)
}

// Remove drops the mapping for a content hash.
func (ix *Index) Remove(contentHash string) {
	if entry, ok := ix.entries.Get(contentHash); ok {
		ix.byObject.Delete(entry.CanonicalID.String())
	}
	ix.entries.Delete(contentHash)
}

// RemoveByCanonical drops any mapping pointing at the deleted object, so
// the index never references a tombstoned canonical.
func (ix *Index) RemoveByCanonical(id interfaces.ObjectID) {
	if hash, ok := ix.byObject.Get(id.String()); ok {
		ix.entries.Delete(hash)
		ix.byObject.Delete(id.String())
	}
}

// Len reports the number of tracked content hashes.
func (ix *Index) Len() int {
	return ix.entries.Len()
}
