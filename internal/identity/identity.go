// Package identity keeps the stable client identifier the server uses to
// correlate reconnects with in-flight sessions.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

const randomSuffixLen = 9

var clientIDPattern = regexp.MustCompile(`^client_[0-9]+_[0-9a-z]{9}$`)

type SessionMapping struct {
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Status    string    `json:"status"`
}

type record struct {
	ClientID  string                    `json:"clientId"`
	CreatedAt time.Time                 `json:"createdAt"`
	Sessions  map[string]SessionMapping `json:"sessions"`
}

type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.RWMutex
	rec    record
}

// Open loads the identity at path, creating and persisting a new one when
// the file is missing or holds an invalid id. An empty path keeps the
// identity in memory only.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger.With("component", "identity")}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if jsonErr := json.Unmarshal(data, &s.rec); jsonErr != nil {
				s.logger.Warn("identity file unreadable, regenerating", "error", jsonErr)
				s.rec = record{}
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read identity: %w", err)
		}
	}

	if !IsValidClientID(s.rec.ClientID) {
		id, err := NewClientID()
		if err != nil {
			return nil, err
		}
		s.rec = record{ClientID: id, CreatedAt: time.Now().UTC()}
		s.logger.Info("generated client identity", "client_id", id)
	}
	if s.rec.Sessions == nil {
		s.rec.Sessions = make(map[string]SessionMapping)
	}

	s.persist()
	return s, nil
}

func NewClientID() (string, error) {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, randomSuffixLen)
	max := big.NewInt(int64(len(alphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate client id: %w", err)
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return "client_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + string(suffix), nil
}

func IsValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

func (s *Store) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.ClientID
}

func (s *Store) TrackSession(sessionID, status string) {
	if sessionID == "" {
		return
	}
	now := time.Now().UTC()

	s.mu.Lock()
	m, ok := s.rec.Sessions[sessionID]
	if !ok {
		m.CreatedAt = now
	}
	m.LastSeen = now
	m.Status = status
	s.rec.Sessions[sessionID] = m
	s.mu.Unlock()

	s.persist()
}

func (s *Store) UntrackSession(sessionID string) {
	s.mu.Lock()
	_, ok := s.rec.Sessions[sessionID]
	delete(s.rec.Sessions, sessionID)
	s.mu.Unlock()

	if ok {
		s.persist()
	}
}

// Sessions returns tracked session ids, most recently seen first.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rec.Sessions))
	for id := range s.rec.Sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.rec.Sessions[ids[i]].LastSeen.After(s.rec.Sessions[ids[j]].LastSeen)
	})
	s.mu.RUnlock()
	return ids
}

func (s *Store) Mapping(sessionID string) (SessionMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rec.Sessions[sessionID]
	return m, ok
}

// Reset issues a new client id and forgets all session mappings.
func (s *Store) Reset() (string, error) {
	id, err := NewClientID()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.rec = record{ClientID: id, CreatedAt: time.Now().UTC(), Sessions: make(map[string]SessionMapping)}
	s.mu.Unlock()

	s.persist()
	return id, nil
}

func (s *Store) persist() {
	if s.path == "" {
		return
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s.rec, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("failed to encode identity", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.logger.Error("failed to create identity dir", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Error("failed to write identity", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("failed to replace identity", "error", err)
	}
}
