package gateway

import (
	"encoding/json"

	"junction/internal/sessionstore"
	"junction/internal/tagquery"
	"junction/pkg/logging"
)

// SessionStore persists streaming session records so clients can
// resume across gateway restarts.
type SessionStore interface {
	Put(rec sessionstore.Record) error
	Get(id string) (sessionstore.Record, bool)
	Touch(rec sessionstore.Record) error
	Delete(id string) bool
}

// WithSessionStore wires session persistence for streaming transports.
func WithSessionStore(store SessionStore) Option {
	return func(s *Server) { s.store = store }
}

// recordFor snapshots a session into its persisted form. A resolved
// preset query is not stored; it is re-resolved on restore so preset
// edits made while the session was away still apply.
func (s *Server) recordFor(sess *Session) sessionstore.Record {
	rec := sessionstore.Record{
		SessionID:        sess.ID(),
		Tags:             sess.Tags(),
		TagFilterMode:    string(sess.FilterMode()),
		PresetName:       sess.PresetName(),
		EnablePagination: sess.Pagination(),
		Context:          sess.Context(),
		CreatedAt:        sess.CreatedAt(),
		LastAccessedAt:   sess.LastAccessedAt(),
		Expires:          sess.LastAccessedAt().Add(s.cfg.SessionTTL),
	}
	if sess.FilterMode() == FilterAdvanced {
		if encoded, err := json.Marshal(sess.Query()); err == nil {
			rec.TagQuery = string(encoded)
		}
	}
	return rec
}

// paramsFromRecord rebuilds connect-time parameters from a record.
// Unreadable optional fields degrade to absent rather than failing the
// restore.
func paramsFromRecord(rec sessionstore.Record) SessionParams {
	params := SessionParams{
		Tags:             rec.Tags,
		PresetName:       rec.PresetName,
		EnablePagination: rec.EnablePagination,
		Context:          rec.Context,
	}
	if rec.TagQuery != "" {
		q, err := tagquery.Parse([]byte(rec.TagQuery))
		if err != nil {
			logging.Warn("Gateway", "Ignoring stored tag query for session %s: %v", rec.SessionID, err)
		} else {
			params.TagQuery = q
		}
	}
	return params
}

// persistSession writes the session's record immediately (connect).
func (s *Server) persistSession(sess *Session) {
	if s.store == nil || !IsStreamSessionID(sess.ID()) {
		return
	}
	if err := s.store.Put(s.recordFor(sess)); err != nil {
		logging.Warn("Gateway", "Persisting session %s: %v", sess.ID(), err)
	}
}

// touchSession records request activity and applies the store's
// throttled save policy.
func (s *Server) touchSession(sess *Session) {
	sess.Touch()
	if s.store == nil || !IsStreamSessionID(sess.ID()) {
		return
	}
	if err := s.store.Touch(s.recordFor(sess)); err != nil {
		logging.Warn("Gateway", "Touching session %s: %v", sess.ID(), err)
	}
}

// restoreSession rebuilds a session from its persisted record after a
// gateway restart.
func (s *Server) restoreSession(id string) (*Session, bool) {
	if s.store == nil {
		return nil, false
	}
	rec, ok := s.store.Get(id)
	if !ok {
		return nil, false
	}

	sess := NewSession(id, paramsFromRecord(rec))
	if sess.PresetName() != "" {
		s.resolvePreset(sess, sess.PresetName())
	}
	s.registry.Put(sess)
	s.syncSession(sess)

	logging.Info("Gateway", "Restored session %s from the session store", id)
	return sess, true
}

// dropStoredSession removes the persisted record on terminate.
func (s *Server) dropStoredSession(id string) {
	if s.store != nil {
		s.store.Delete(id)
	}
}
