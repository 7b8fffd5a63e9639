// Package storage persists configuration and watcher state as JSON objects,
// in a Cloud Storage bucket or a local directory for development. Every write
// replaces the whole object so readers only ever see complete records.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"pollev-notifier/pkg/notifier"
)

const (
	settingsKey  = "settings.json"
	dndKey       = "dnd.json"
	lastErrorKey = "last-error.json"

	lastSeenPrefix = "lastseen-"
)

// ErrNotExist is returned when a stored object is absent. Callers that treat
// absence as an empty value check for it with IsNotFound.
var ErrNotExist = errors.New("storage: object doesn't exist")

// Store handles persistence of settings, do-not-disturb state, the error
// slot, and per-class last-seen prompts.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is non-empty the store
// writes to the local filesystem instead of the bucket.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

func lastSeenKey(classID string) string {
	return lastSeenPrefix + classID + ".json"
}

// Settings loads the synchronized configuration. An absent record reads as
// empty: no classes configured, push disabled.
func (s *Store) Settings(ctx context.Context) (*notifier.Settings, error) {
	settings := &notifier.Settings{}
	if err := s.load(ctx, settingsKey, settings); err != nil {
		if IsNotFound(err) {
			return &notifier.Settings{}, nil
		}
		return nil, err
	}
	return settings, nil
}

// SaveSettings replaces the synchronized configuration record.
func (s *Store) SaveSettings(ctx context.Context, settings *notifier.Settings) error {
	if err := s.save(ctx, settingsKey, settings); err != nil {
		return err
	}
	s.logger.Info("Settings saved", "class_count", len(settings.Classes), "ntfy_enabled", settings.NtfyEnabled)
	return nil
}

// Dnd loads the do-not-disturb record, lazily discarding it once expired.
// Returns nil when inactive.
func (s *Store) Dnd(ctx context.Context, now time.Time) (*notifier.DndState, error) {
	dnd := &notifier.DndState{}
	if err := s.load(ctx, dndKey, dnd); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !dnd.Active(now) {
		if err := s.delete(ctx, dndKey); err != nil {
			s.logger.Warn("Failed to discard expired DND record", "error", err)
		}
		return nil, nil
	}
	return dnd, nil
}

// SaveDnd replaces the do-not-disturb record.
func (s *Store) SaveDnd(ctx context.Context, dnd *notifier.DndState) error {
	if err := s.save(ctx, dndKey, dnd); err != nil {
		return err
	}
	s.logger.Info("DND enabled", "until", dnd.ActiveUntil.Format(time.RFC3339))
	return nil
}

// ClearDnd cancels the suppression window.
func (s *Store) ClearDnd(ctx context.Context) error {
	return s.delete(ctx, dndKey)
}

// LastError loads the most recent failure record, or nil when absent or
// older than its 24 hour retention.
func (s *Store) LastError(ctx context.Context, now time.Time) (*notifier.ErrorRecord, error) {
	rec := &notifier.ErrorRecord{}
	if err := s.load(ctx, lastErrorKey, rec); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if rec.Expired(now) {
		return nil, nil
	}
	return rec, nil
}

// RecordError overwrites the single failure slot. Best effort: a failure to
// record a failure is only logged.
func (s *Store) RecordError(ctx context.Context, message, errContext, classID string) {
	rec := &notifier.ErrorRecord{
		Message:   message,
		Timestamp: time.Now(),
		Context:   errContext,
		ClassID:   classID,
	}
	if err := s.save(ctx, lastErrorKey, rec); err != nil {
		s.logger.Error("Failed to record error", "context", errContext, "message", message, "error", err)
		return
	}
	s.logger.Warn("Error recorded", "context", errContext, "message", message, "class_id", classID)
}

// LastSeen loads the persisted last-seen prompt for a class. Absent reads as
// empty so a fresh watcher treats every poll as new.
func (s *Store) LastSeen(ctx context.Context, classID string) (string, error) {
	var state struct {
		Question string `json:"lastSeenQuestion"`
	}
	if err := s.load(ctx, lastSeenKey(classID), &state); err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return state.Question, nil
}

// SaveLastSeen replaces the persisted last-seen prompt for a class.
func (s *Store) SaveLastSeen(ctx context.Context, classID, question string) error {
	state := struct {
		Question string `json:"lastSeenQuestion"`
	}{Question: question}
	return s.save(ctx, lastSeenKey(classID), &state)
}

// PruneLastSeen removes last-seen records for classes no longer configured,
// so deleted classes don't leave stale watcher state behind.
func (s *Store) PruneLastSeen(ctx context.Context, validIDs map[string]bool) error {
	keys, err := s.listKeys(ctx, lastSeenPrefix)
	if err != nil {
		return fmt.Errorf("list watcher state: %w", err)
	}
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, lastSeenPrefix), ".json")
		if validIDs[id] {
			continue
		}
		if err := s.delete(ctx, key); err != nil {
			s.logger.Warn("Failed to prune watcher state", "key", key, "error", err)
			continue
		}
		s.logger.Info("Pruned watcher state for deleted class", "class_id", id)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string, v any) error {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotExist
			}
			return fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotExist)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(time.Minute),
			retry.MaxJitter(5*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if errors.Is(err, ErrNotExist) {
				return ErrNotExist
			}
			return fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Object saved to local storage", "path", filePath)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	// Local filesystem storage
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage; deletion is idempotent so "not found" is fine
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete from storage: %w", err)
	}
	return nil
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// IsNotFound checks if an error indicates a stored object was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotExist)
}
