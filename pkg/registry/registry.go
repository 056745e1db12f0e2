// Package registry keeps a local ledger of the pipeline resources this machine
// has started, so a later invocation can list or stop them by resource id.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no record exists for a resource id.
var ErrNotFound = errors.New("registry: resource not found")

var prefixResource = []byte("resource:")

// maxRetries is the number of times to retry a transaction on conflict
const maxRetries = 10

// Record describes one started pipeline resource.
type Record struct {
	ResourceID string          `json:"resource_id"`
	Name       string          `json:"name"`
	EventTopic string          `json:"event_topic"`
	StartedAt  time.Time       `json:"started_at"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// Options configures Open.
type Options struct {
	Path     string // database directory, ~ is expanded
	InMemory bool
	Logger   *slog.Logger
}

// Registry is a badger-backed store of Records.
type Registry struct {
	db     *badger.DB
	logger *slog.Logger
}

// slogAdapter adapts slog.Logger to the badger.Logger interface
type slogAdapter struct {
	logger *slog.Logger
}

func (s *slogAdapter) Errorf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...))
}

func (s *slogAdapter) Warningf(format string, args ...interface{}) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

func (s *slogAdapter) Infof(format string, args ...interface{}) {
	s.logger.Debug(fmt.Sprintf(format, args...))
}

func (s *slogAdapter) Debugf(format string, args ...interface{}) {
	s.logger.Debug(fmt.Sprintf(format, args...))
}

// expandPath expands a leading ~ to the user's home directory
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Open opens (creating if needed) the registry.
func Open(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := expandPath(opts.Path)
		if path == "" {
			return nil, errors.New("registry: path required for disk-based storage")
		}
		bo = badger.DefaultOptions(path)
	}
	bo = bo.WithLogger(&slogAdapter{logger: logger})

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("registry: open badger db: %w", err)
	}
	logger.Debug("registry opened", "path", opts.Path, "in_memory", opts.InMemory)
	return &Registry{db: db, logger: logger}, nil
}

func resourceKey(id string) []byte {
	return append(append([]byte(nil), prefixResource...), id...)
}

// update wraps db.Update with retry logic for transaction conflicts.
func (r *Registry) update(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxRetries; i++ {
		err := r.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return badger.ErrConflict
}

// Put stores rec, replacing any record with the same resource id.
func (r *Registry) Put(rec Record) error {
	if rec.ResourceID == "" {
		return errors.New("registry: resource id cannot be empty")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encode record: %w", err)
	}
	return r.update(func(txn *badger.Txn) error {
		return txn.Set(resourceKey(rec.ResourceID), val)
	})
}

// Get returns the record for id or ErrNotFound.
func (r *Registry) Get(id string) (Record, error) {
	var rec Record
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resourceKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// List returns all records, oldest first.
func (r *Registry) List() ([]Record, error) {
	var out []Record
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefixResource})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				r.logger.Warn("registry: skipping unreadable record", "key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Delete removes the record for id. Unknown ids return ErrNotFound.
func (r *Registry) Delete(id string) error {
	return r.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(resourceKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(resourceKey(id))
	})
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}
