// ABOUTME: Tests for blacklist windows, permanent entries, eviction, and key composition.
// ABOUTME: Time-sensitive checks use short windows and poll rather than mock the clock.

package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/2389-research/relay/pipeline"
)

func testBlacklist(cfg BlacklistConfig) *Blacklist {
	cfg.Enabled = true
	return NewBlacklist(cfg)
}

func TestBlacklistContainsDuringWindow(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	cause := pipeline.New(pipeline.CodeConnectionFailed, "dial tcp: refused")
	b.Add("inst-a", cause, 50*time.Millisecond)

	if !b.Contains("inst-a") {
		t.Fatal("key missing immediately after Add")
	}
	deadline := time.Now().Add(time.Second)
	for b.Contains("inst-a") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Contains("inst-a") {
		t.Fatal("key still suppressed after its window lapsed")
	}
}

func TestBlacklistExpiryIsLazy(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	b.Add("inst-a", nil, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	// Len and List skip the lapsed entry without a Cleanup pass.
	if got := b.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0 after expiry", got)
	}
	if got := len(b.List()); got != 0 {
		t.Fatalf("List len = %d, want 0 after expiry", got)
	}
}

func TestBlacklistDefaultAndMaxDuration(t *testing.T) {
	b := testBlacklist(BlacklistConfig{DefaultDuration: time.Minute, MaxDuration: 2 * time.Minute})

	b.Add("defaulted", nil, 0)
	b.Add("clamped", nil, time.Hour)

	var def, clamped BlacklistEntry
	for _, e := range b.List() {
		switch e.Key {
		case "defaulted":
			def = e
		case "clamped":
			clamped = e
		}
	}
	if d := def.ExpiresAt.Sub(def.BlacklistedAt); d != time.Minute {
		t.Fatalf("default window = %v, want 1m", d)
	}
	if d := clamped.ExpiresAt.Sub(clamped.BlacklistedAt); d != 2*time.Minute {
		t.Fatalf("clamped window = %v, want 2m", d)
	}
}

func TestBlacklistPermanentNeverExpires(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	b.AddPermanent("inst-dead", pipeline.New(pipeline.CodeAccountSuspended, "suspended"))

	if b.Cleanup(time.Now().Add(24 * time.Hour)) != 0 {
		t.Fatal("Cleanup removed a permanent entry")
	}
	if !b.Contains("inst-dead") {
		t.Fatal("permanent entry vanished")
	}
}

func TestBlacklistPermanentNotDowngraded(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	b.AddPermanent("inst-dead", nil)
	b.Add("inst-dead", nil, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	if !b.Contains("inst-dead") {
		t.Fatal("temporary Add overwrote a permanent entry")
	}
	entries := b.List()
	if len(entries) != 1 || !entries[0].Permanent {
		t.Fatalf("entries = %+v, want one permanent", entries)
	}
}

func TestBlacklistRemoveLiftsPermanent(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	b.AddPermanent("inst-dead", nil)

	if !b.Remove("inst-dead") {
		t.Fatal("Remove reported no entry")
	}
	if b.Contains("inst-dead") {
		t.Fatal("entry survived Remove")
	}
	if b.Remove("inst-dead") {
		t.Fatal("second Remove reported an entry")
	}
}

func TestBlacklistEvictsNearestExpiry(t *testing.T) {
	b := testBlacklist(BlacklistConfig{MaxEntries: 2})
	b.Add("soon", nil, time.Minute)
	b.Add("later", nil, time.Hour)
	b.Add("newcomer", nil, 30*time.Minute)

	if b.Contains("soon") {
		t.Fatal("entry closest to expiry should have been evicted")
	}
	if !b.Contains("later") || !b.Contains("newcomer") {
		t.Fatalf("surviving entries wrong: %+v", b.List())
	}
}

func TestBlacklistFullOfPermanentsDropsNewcomer(t *testing.T) {
	b := testBlacklist(BlacklistConfig{MaxEntries: 2})
	b.AddPermanent("p1", nil)
	b.AddPermanent("p2", nil)
	b.Add("newcomer", nil, time.Minute)

	if b.Contains("newcomer") {
		t.Fatal("newcomer admitted past a table full of permanent entries")
	}
	if !b.Contains("p1") || !b.Contains("p2") {
		t.Fatal("permanent entries must survive pressure")
	}
}

func TestBlacklistUpdateExistingKeyBypassesCap(t *testing.T) {
	b := testBlacklist(BlacklistConfig{MaxEntries: 2})
	b.Add("a", nil, time.Minute)
	b.Add("b", nil, time.Minute)

	// Re-adding an existing key refreshes it in place without eviction.
	b.Add("a", nil, time.Hour)
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2 after in-place refresh", b.Len())
	}
	if !b.Contains("a") || !b.Contains("b") {
		t.Fatalf("entries = %+v", b.List())
	}
}

func TestBlacklistDisabledIsNoOp(t *testing.T) {
	b := NewBlacklist(BlacklistConfig{Enabled: false})
	b.Add("inst-a", nil, time.Hour)
	b.AddPermanent("inst-b", nil)

	if b.Contains("inst-a") || b.Contains("inst-b") {
		t.Fatal("disabled blacklist suppressed a key")
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0 when disabled", b.Len())
	}
}

func TestBlacklistCleanupCountsRemovals(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	b.Add("gone-1", nil, time.Millisecond)
	b.Add("gone-2", nil, time.Millisecond)
	b.Add("kept", nil, time.Hour)
	time.Sleep(10 * time.Millisecond)

	if got := b.Cleanup(time.Now()); got != 2 {
		t.Fatalf("Cleanup removed %d, want 2", got)
	}
	if !b.Contains("kept") {
		t.Fatal("live entry removed by Cleanup")
	}
}

func TestBlacklistListSortedByKey(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	for _, key := range []string{"zeta", "alpha", "mid"} {
		b.Add(key, nil, time.Hour)
	}
	got := b.List()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i].Key != want[i] {
			t.Fatalf("List order = %v, want %v", got, want)
		}
	}
}

func TestBlacklistEntryCarriesCause(t *testing.T) {
	b := testBlacklist(BlacklistConfig{})
	cause := pipeline.New(pipeline.CodeAuthFailed, "invalid api key")
	b.Add("inst-a#0", cause, time.Hour)

	entries := b.List()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Code != pipeline.CodeAuthFailed {
		t.Fatalf("entry code = %d, want AUTH_FAILED", entries[0].Code)
	}
	if entries[0].Reason == "" {
		t.Fatal("entry reason missing")
	}
}

func TestCredentialKey(t *testing.T) {
	if got := CredentialKey("inst-a", 2); got != "inst-a#2" {
		t.Fatalf("CredentialKey = %q, want inst-a#2", got)
	}
}

func TestBlacklistConcurrentAccess(t *testing.T) {
	b := testBlacklist(BlacklistConfig{MaxEntries: 32})
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("inst-%d-%d", g, i%8)
				b.Add(key, nil, time.Millisecond*time.Duration(i%5+1))
				b.Contains(key)
				if i%10 == 0 {
					b.Cleanup(time.Now())
					b.List()
				}
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
}
