package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/datadict/dictpipe/internal/common"
)

// Ledger records monotonic version history for named content elements,
// backed by an embedded badger store. Two consecutive writes with the same
// content hash are a no-op; a differing hash increments the patch component
// and appends a history entry. History is append-only.
type Ledger struct {
	db  *badger.DB
	log *slog.Logger
}

// VersionResult is the outcome of a CreateVersion call.
type VersionResult struct {
	ElementID       string `json:"element_id"`
	Kind            string `json:"kind,omitempty"`
	Version         string `json:"version"`
	PreviousVersion string `json:"previous_version,omitempty"`
	ContentHash     string `json:"content_hash"`
	Changed         bool   `json:"changed"`
}

// HistoryEntry is one append-only history record for an element.
type HistoryEntry struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
}

// Comparison is a line-level set comparison between two stored versions.
type Comparison struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// Config holds version ledger storage configuration.
type Config struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
}

// Open opens the backing badger store. Badger's own chatter is routed
// through slog at debug level.
func Open(cfg Config, log *slog.Logger) (*Ledger, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(&badgerLogger{logger: log})
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open version ledger: %v", common.ErrStorage, err)
	}
	return &Ledger{db: db, log: log}, nil
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func versionKey(id string) []byte { return []byte("version:" + id) }
func hashKey(id string) []byte    { return []byte("hash:" + id) }
func historyKey(id string) []byte { return []byte("history:" + id) }
func contentKey(id, ver string) []byte {
	return []byte("content:" + id + ":" + ver)
}

// ContentHash returns the deterministic fingerprint used for no-op write
// detection: the first 16 hex characters of the content's SHA-256.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// CreateVersion stores content for elementID, incrementing the patch
// component when the content hash changed. An unchanged hash returns
// Changed=false with the current version and appends nothing.
func (l *Ledger) CreateVersion(ctx context.Context, elementID, kind, content string) (VersionResult, error) {
	if err := ctx.Err(); err != nil {
		return VersionResult{}, err
	}
	if elementID == "" {
		return VersionResult{}, fmt.Errorf("%w: empty element id", common.ErrInvalidInput)
	}

	newHash := ContentHash(content)
	var res VersionResult

	err := l.db.Update(func(txn *badger.Txn) error {
		current, err := readString(txn, versionKey(elementID), "0.0.0")
		if err != nil {
			return err
		}
		oldHash, err := readString(txn, hashKey(elementID), "")
		if err != nil {
			return err
		}

		if oldHash == newHash {
			res = VersionResult{
				ElementID:   elementID,
				Kind:        kind,
				Version:     current,
				ContentHash: newHash,
				Changed:     false,
			}
			return nil
		}

		next, err := bumpPatch(current)
		if err != nil {
			return err
		}

		if err := txn.Set(versionKey(elementID), []byte(next)); err != nil {
			return err
		}
		if err := txn.Set(hashKey(elementID), []byte(newHash)); err != nil {
			return err
		}
		if err := txn.Set(contentKey(elementID, next), []byte(content)); err != nil {
			return err
		}

		history, err := readHistory(txn, elementID)
		if err != nil {
			return err
		}
		history = append(history, HistoryEntry{
			Version:   next,
			Timestamp: time.Now().UTC(),
			Hash:      newHash,
		})
		raw, err := json.Marshal(history)
		if err != nil {
			return err
		}
		if err := txn.Set(historyKey(elementID), raw); err != nil {
			return err
		}

		res = VersionResult{
			ElementID:       elementID,
			Kind:            kind,
			Version:         next,
			PreviousVersion: current,
			ContentHash:     newHash,
			Changed:         true,
		}
		return nil
	})
	if err != nil {
		return VersionResult{}, fmt.Errorf("%w: create version for %s: %v", common.ErrStorage, elementID, err)
	}

	if res.Changed {
		l.log.Info("version.created",
			"element_id", elementID,
			"version", res.Version,
			"previous", res.PreviousVersion,
			"hash", res.ContentHash,
		)
	} else {
		l.log.Debug("version.unchanged", "element_id", elementID, "version", res.Version)
	}
	return res, nil
}

// History returns the append-only history for elementID, oldest first. An
// element that was never written has empty history.
func (l *Ledger) History(ctx context.Context, elementID string) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var history []HistoryEntry
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		history, err = readHistory(txn, elementID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: history for %s: %v", common.ErrStorage, elementID, err)
	}
	return history, nil
}

// Content returns the stored content for (elementID, version).
func (l *Ledger) Content(ctx context.Context, elementID, ver string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var content string
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contentKey(elementID, ver))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: version %s of %s", common.ErrNotFound, ver, elementID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			content = string(val)
			return nil
		})
	})
	return content, err
}

// Rollback re-creates the content stored at targetVersion as a new forward
// version. History is never rewritten; rollback is additive.
func (l *Ledger) Rollback(ctx context.Context, elementID, targetVersion string) (VersionResult, error) {
	content, err := l.Content(ctx, elementID, targetVersion)
	if err != nil {
		return VersionResult{}, err
	}
	l.log.Info("version.rollback", "element_id", elementID, "target", targetVersion)
	return l.CreateVersion(ctx, elementID, "rollback", content)
}

// Compare performs a line-level set comparison between two stored versions.
func (l *Ledger) Compare(ctx context.Context, elementID, versionA, versionB string) (Comparison, error) {
	contentA, err := l.Content(ctx, elementID, versionA)
	if err != nil {
		return Comparison{}, err
	}
	contentB, err := l.Content(ctx, elementID, versionB)
	if err != nil {
		return Comparison{}, err
	}

	linesA := lineSet(contentA)
	linesB := lineSet(contentB)

	var cmp Comparison
	for line := range linesB {
		if _, ok := linesA[line]; ok {
			cmp.Unchanged++
		} else {
			cmp.Added++
		}
	}
	for line := range linesA {
		if _, ok := linesB[line]; !ok {
			cmp.Removed++
		}
	}
	return cmp, nil
}

func lineSet(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(content, "\n") {
		set[line] = struct{}{}
	}
	return set
}

func bumpPatch(ver string) (string, error) {
	parts := strings.Split(ver, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed version %q", common.ErrValidation, ver)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: malformed version %q", common.ErrValidation, ver)
	}
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1), nil
}

func readString(txn *badger.Txn, key []byte, fallback string) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	var out string
	err = item.Value(func(val []byte) error {
		out = string(val)
		return nil
	})
	return out, err
}

func readHistory(txn *badger.Txn, elementID string) ([]HistoryEntry, error) {
	raw, err := readString(txn, historyKey(elementID), "[]")
	if err != nil {
		return nil, err
	}
	var history []HistoryEntry
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, err
	}
	return history, nil
}

// badgerLogger adapts slog to badger's Logger interface. Badger is noisy at
// info level, so everything lands on debug except real errors.
type badgerLogger struct {
	logger *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}
