// Package config implements the small key-value configuration store the
// core reads policy values from: the default-route flag, Wi-Fi SSID and
// credentials, the cellular profile index, the time server/protocol, and
// the per-(appName, tech, channel) session-cleanup markers.
//
// The store is a flat map of "/"-separated keys to JSON-encodable values,
// persisted to a single file with an atomic temp-file-then-rename write,
// mirroring the teacher's doublezerod config store.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Well-known keys read by the core, per spec §6.
const (
	KeyUseDefaultRoute = "/routing/useDefaultRoute"
	KeyWifiSSID        = "/wifi/SSID"
	KeyWifiSecProtocol = "/wifi/secProtocol"
	KeyWifiPassphrase  = "/wifi/passphrase"
	KeyCellularProfile = "/cellular/profileIndex"
	KeyTimeProtocol    = "/time/protocol"
	KeyTimeServer      = "/time/server"
	KeyDNSNameServers  = "/dns/nameServers"

	sessionCleanupPrefix = "/sessionCleanup"
)

// TimeProtocol enumerates the /time/protocol values.
type TimeProtocol int

const (
	TimeProtocolTime TimeProtocol = 0
	TimeProtocolNTP  TimeProtocol = 1
)

// Store is a process-wide, file-backed key-value tree. All reads/writes are
// guarded by a single RWMutex; there is no per-key locking because the core
// runs its mutating operations on a single event loop (§5).
type Store struct {
	mu        sync.RWMutex
	path      string
	values    map[string]json.RawMessage
	changedCh chan struct{}
}

// New returns an empty store that persists to path.
func New(path string) *Store {
	return &Store{
		path:      path,
		values:    make(map[string]json.RawMessage),
		changedCh: make(chan struct{}, 1),
	}
}

// Load reads the store from path, creating an empty file if it doesn't
// exist yet.
func Load(path string) (*Store, error) {
	s := New(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := s.saveLocked(); err != nil {
				return nil, fmt.Errorf("config: error creating store file: %w", err)
			}
			return s, nil
		}
		return nil, fmt.Errorf("config: error reading store file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("config: error decoding store file: %w", err)
	}
	return s, nil
}

// Changed returns a channel that receives a notification after any write
// transaction commits. Buffered by one; callers should drain and re-read
// rather than rely on receiving one notification per write.
func (s *Store) Changed() <-chan struct{} {
	return s.changedCh
}

func (s *Store) notifyChanged() {
	select {
	case s.changedCh <- struct{}{}:
	default:
	}
}

// Set writes a single key within its own transaction.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("config: error marshalling value for %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = raw
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}

// Delete removes a single key. No error if already absent.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}

// DeletePrefix removes every key with the given prefix in one transaction.
// Used at startup to purge /sessionCleanup entries left by crashed clients.
func (s *Store) DeletePrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			delete(s.values, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}

// GetString reads a string value, returning def if the key is absent or
// not a string.
func (s *Store) GetString(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// GetBool reads a bool value, returning def if absent or not a bool.
func (s *Store) GetBool(key string, def bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// GetInt reads an int value, returning def if absent or not a number.
func (s *Store) GetInt(key string, def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// saveLocked assumes s.mu is held for writing.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("config: error marshalling store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: error creating store directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// SessionCleanupAppKey builds the key under which the "stay on exit" marker
// for appName is stored; SessionCleanupReqRefKey and
// SessionCleanupHandlerRefKey build the per-(tech, channel) keys.
func SessionCleanupAppKey(appName string) string {
	return fmt.Sprintf("%s/%s", sessionCleanupPrefix, appName)
}

func SessionCleanupReqRefKey(tech, channel string) string {
	return fmt.Sprintf("%s/%s/%s/reqRef", sessionCleanupPrefix, tech, channel)
}

func SessionCleanupHandlerRefKey(tech, channel string) string {
	return fmt.Sprintf("%s/%s/%s/handlerRef", sessionCleanupPrefix, tech, channel)
}

// StayOnExit reports whether appName is marked to survive session teardown.
// The marker is per application: tech and channel are not consulted.
func (s *Store) StayOnExit(appName, tech, channel string) bool {
	return s.GetBool(SessionCleanupAppKey(appName), false)
}

// PurgeSessionCleanup deletes every /sessionCleanup entry. Called once at
// process startup to discard markers left behind by crashed clients.
func (s *Store) PurgeSessionCleanup() error {
	return s.DeletePrefix(sessionCleanupPrefix)
}

// ParsePrefixLength parses a decimal prefix length string (0..128, or "" for
// a host route) per §4.6/§8 boundary rules.
func ParsePrefixLength(s string, isV6 bool) (int, error) {
	if s == "" {
		if isV6 {
			return 128, nil
		}
		return 32, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid prefix length %q: %w", s, err)
	}
	if n < 0 || n > 128 {
		return 0, fmt.Errorf("config: prefix length %d out of range", n)
	}
	return n, nil
}
