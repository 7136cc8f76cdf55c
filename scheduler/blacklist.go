// ABOUTME: Time-bounded blacklist keeping failing instances out of selection.
// ABOUTME: Permanent entries never expire or evict; temporary ones lapse or get swept.

package scheduler

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/2389-research/relay/pipeline"
)

// CredentialKey builds the composite blacklist key for one (instance,
// credential) pair. Auth failures blacklist the pair, not the instance, so
// the instance stays selectable under a rotated credential.
func CredentialKey(instanceID string, credIdx int) string {
	return instanceID + "#" + strconv.Itoa(credIdx)
}

// BlacklistEntry is one suppressed key with its reason and expiry.
type BlacklistEntry struct {
	Key           string    `json:"key"`
	Code          int       `json:"errorCode"`
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklistedAt"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
	Permanent     bool      `json:"permanent"`
}

// Expired reports whether the entry has lapsed at now. Permanent entries
// never expire.
func (e BlacklistEntry) Expired(now time.Time) bool {
	return !e.Permanent && now.After(e.ExpiresAt)
}

// BlacklistConfig sizes and times the blacklist.
type BlacklistConfig struct {
	// Enabled false turns every operation into a no-op.
	Enabled bool
	// MaxEntries caps the table; 0 means unbounded.
	MaxEntries int
	// DefaultDuration applies when an Add passes no duration.
	DefaultDuration time.Duration
	// MaxDuration clamps any requested duration.
	MaxDuration time.Duration

	Logger *slog.Logger
}

// Blacklist tracks suppressed instance and credential keys. All methods are
// safe for concurrent use; reads sweep expired entries opportunistically.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]BlacklistEntry
	cfg     BlacklistConfig
	logger  *slog.Logger
}

func NewBlacklist(cfg BlacklistConfig) *Blacklist {
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Blacklist{
		entries: make(map[string]BlacklistEntry),
		cfg:     cfg,
		logger:  logger,
	}
}

// Add suppresses key for d (clamped to MaxDuration; DefaultDuration when
// zero). An existing permanent entry is never downgraded.
func (b *Blacklist) Add(key string, cause *pipeline.Error, d time.Duration) {
	if !b.cfg.Enabled || key == "" {
		return
	}
	if d <= 0 {
		d = b.cfg.DefaultDuration
	}
	if d > b.cfg.MaxDuration {
		d = b.cfg.MaxDuration
	}
	now := time.Now()
	b.add(BlacklistEntry{
		Key:           key,
		Code:          causeCode(cause),
		Reason:        causeMessage(cause),
		BlacklistedAt: now,
		ExpiresAt:     now.Add(d),
	})
}

// AddPermanent suppresses key until an operator removes it.
func (b *Blacklist) AddPermanent(key string, cause *pipeline.Error) {
	if !b.cfg.Enabled || key == "" {
		return
	}
	b.add(BlacklistEntry{
		Key:           key,
		Code:          causeCode(cause),
		Reason:        causeMessage(cause),
		BlacklistedAt: time.Now(),
		Permanent:     true,
	})
}

func (b *Blacklist) add(entry BlacklistEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.entries[entry.Key]; ok && prev.Permanent {
		return
	}
	if _, ok := b.entries[entry.Key]; !ok && b.cfg.MaxEntries > 0 && len(b.entries) >= b.cfg.MaxEntries {
		if !b.evictLocked() {
			b.logger.Warn("blacklist full of permanent entries, dropping new entry", "key", entry.Key)
			return
		}
	}
	b.entries[entry.Key] = entry
	b.logger.Info("blacklisted",
		"key", entry.Key,
		"code", entry.Code,
		"permanent", entry.Permanent,
		"expires_at", entry.ExpiresAt)
}

// evictLocked removes the temporary entry closest to expiry. Returns false
// when every entry is permanent.
func (b *Blacklist) evictLocked() bool {
	victim := ""
	var soonest time.Time
	for key, e := range b.entries {
		if e.Permanent {
			continue
		}
		if victim == "" || e.ExpiresAt.Before(soonest) {
			victim = key
			soonest = e.ExpiresAt
		}
	}
	if victim == "" {
		return false
	}
	delete(b.entries, victim)
	return true
}

// Contains reports whether key is currently suppressed, lazily dropping the
// entry if it has expired.
func (b *Blacklist) Contains(key string) bool {
	if !b.cfg.Enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return false
	}
	if entry.Expired(time.Now()) {
		delete(b.entries, key)
		return false
	}
	return true
}

// Remove lifts the suppression on key, permanent or not. Returns whether an
// entry existed.
func (b *Blacklist) Remove(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return false
	}
	delete(b.entries, key)
	b.logger.Info("blacklist entry removed", "key", key)
	return true
}

// Cleanup drops every expired entry and returns how many were removed.
func (b *Blacklist) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, e := range b.entries {
		if e.Expired(now) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

// List returns live entries sorted by key, skipping expired ones.
func (b *Blacklist) List() []BlacklistEntry {
	now := time.Now()
	b.mu.Lock()
	out := make([]BlacklistEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the live entry count.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	now := time.Now()
	for _, e := range b.entries {
		if !e.Expired(now) {
			n++
		}
	}
	return n
}

func causeCode(err *pipeline.Error) int {
	if err == nil {
		return 0
	}
	return err.Code
}

func causeMessage(err *pipeline.Error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
