// Package sessionstore persists streaming session records so a
// streamable HTTP client can resume its session across gateway
// restarts. Records live as one JSON file per session under a spool
// directory; writes on the request path are throttled so a chatty
// session does not turn every call into disk I/O.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"junction/internal/gwerr"
	"junction/pkg/logging"
)

const (
	// persistEveryRequests and persistEveryInterval drive the throttled
	// save policy: a record is rewritten when either threshold is hit,
	// whichever fires first.
	persistEveryRequests = 25
	persistEveryInterval = 60 * time.Second

	// streamPrefix is the only ID grammar the store accepts.
	streamPrefix = "stream-"

	recordExt = ".json"
)

// Record is the persisted shape of one streaming session. Structured
// values (the tag query) are JSON-encoded strings; readers tolerate
// absent optional fields.
type Record struct {
	SessionID        string            `json:"sessionId"`
	Tags             []string          `json:"tags,omitempty"`
	TagFilterMode    string            `json:"tagFilterMode,omitempty"`
	TagQuery         string            `json:"tagQuery,omitempty"`
	PresetName       string            `json:"presetName,omitempty"`
	EnablePagination bool              `json:"enablePagination,omitempty"`
	Context          map[string]string `json:"context,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	Expires        time.Time `json:"expires"`
}

// expired reports whether the record's lease has lapsed. A zero
// Expires never expires; old records without the field stay readable.
func (r Record) expired(now time.Time) bool {
	return !r.Expires.IsZero() && r.Expires.Before(now)
}

// ValidID reports whether id matches the stream-<uuid> grammar the
// store accepts.
func ValidID(id string) bool {
	if !strings.HasPrefix(id, streamPrefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, streamPrefix))
	return err == nil
}

// throttle tracks the save policy per session.
type throttle struct {
	requests    int
	lastPersist time.Time
}

// Store is the file-backed session store.
type Store struct {
	dir string

	mu        sync.Mutex
	throttles map[string]*throttle
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session store %s: %w", dir, err)
	}
	return &Store{
		dir:       dir,
		throttles: make(map[string]*throttle),
	}, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Put writes the record immediately and resets the session's save
// throttle.
func (s *Store) Put(rec Record) error {
	if !ValidID(rec.SessionID) {
		return gwerr.New(gwerr.KindValidation, "malformed session ID %q", rec.SessionID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.recordPath(rec.SessionID), data, 0o600); err != nil {
		return fmt.Errorf("persisting session %s: %w", rec.SessionID, err)
	}

	s.mu.Lock()
	s.throttles[rec.SessionID] = &throttle{lastPersist: time.Now()}
	s.mu.Unlock()
	return nil
}

// Get reads the record for id. An expired record is removed on the
// spot and reported as absent.
func (s *Store) Get(id string) (Record, bool) {
	if !ValidID(id) {
		return Record{}, false
	}

	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("SessionStore", "Reading session %s: %v", id, err)
		}
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.Warn("SessionStore", "Dropping unreadable session record %s: %v", id, err)
		s.Delete(id)
		return Record{}, false
	}

	if rec.expired(time.Now()) {
		s.Delete(id)
		return Record{}, false
	}
	return rec, true
}

// Delete removes the record, reporting whether it existed.
func (s *Store) Delete(id string) bool {
	if !ValidID(id) {
		return false
	}

	s.mu.Lock()
	delete(s.throttles, id)
	s.mu.Unlock()

	err := os.Remove(s.recordPath(id))
	return err == nil
}

// Touch applies the throttled save policy: the record is persisted
// only when the session crossed the request threshold or the interval
// elapsed since its last persist. Concurrent touches for one session
// collapse into a single write per threshold window.
func (s *Store) Touch(rec Record) error {
	if !ValidID(rec.SessionID) {
		return gwerr.New(gwerr.KindValidation, "malformed session ID %q", rec.SessionID)
	}

	s.mu.Lock()
	th, ok := s.throttles[rec.SessionID]
	if !ok {
		th = &throttle{}
		s.throttles[rec.SessionID] = th
	}
	th.requests++
	due := th.requests >= persistEveryRequests ||
		th.lastPersist.IsZero() ||
		time.Since(th.lastPersist) >= persistEveryInterval
	if due {
		th.requests = 0
		th.lastPersist = time.Now()
	}
	s.mu.Unlock()

	if !due {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.recordPath(rec.SessionID), data, 0o600); err != nil {
		return fmt.Errorf("persisting session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Sweep removes expired and unreadable records, returning how many
// were dropped.
func (s *Store) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logging.Warn("SessionStore", "Sweeping %s: %v", s.dir, err)
		return 0
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), recordExt)
		if !ValidID(id) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.expired(now) {
			if s.Delete(id) {
				removed++
			}
		}
	}

	if removed > 0 {
		logging.Debug("SessionStore", "Swept %d expired session records", removed)
	}
	return removed
}

// Len counts the stored records, expired ones included.
func (s *Store) Len() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), recordExt) {
			n++
		}
	}
	return n
}
