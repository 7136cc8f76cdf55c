// ABOUTME: Tests for the file-backed token cache: expiry, refresh, rotation, persistence.
// ABOUTME: The OAuth refresher is exercised against an httptest token endpoint.

package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389-research/relay/pipeline"
)

func writeFile(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func seedDir(t *testing.T, access AccessToken, refresh string) string {
	t.Helper()
	dir := t.TempDir()
	if access.AccessToken != "" {
		writeFile(t, filepath.Join(dir, "access_token.json"), access)
	}
	if refresh != "" {
		writeFile(t, filepath.Join(dir, "refresh_token.json"), map[string]string{"refresh_token": refresh})
	}
	return dir
}

func staticRefresh(token string, expiresIn int) RefreshFunc {
	return func(ctx context.Context, refreshTok string) (AccessToken, string, error) {
		return AccessToken{AccessToken: token, TokenType: "Bearer", ExpiresIn: expiresIn}, "", nil
	}
}

func TestTokenReturnsCachedWhileValid(t *testing.T) {
	dir := seedDir(t, AccessToken{
		AccessToken: "cached",
		ExpiresIn:   3600,
		CreatedAt:   time.Now().Unix(),
	}, "refresh-1")

	calls := 0
	c, err := New(Config{Dir: dir, Refresh: func(ctx context.Context, rt string) (AccessToken, string, error) {
		calls++
		return AccessToken{AccessToken: "fresh"}, "", nil
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "cached" {
		t.Fatalf("token = %q, want cached", tok)
	}
	if calls != 0 {
		t.Fatalf("refresh called %d times for a valid token", calls)
	}
}

func TestTokenRefreshesExpired(t *testing.T) {
	dir := seedDir(t, AccessToken{
		AccessToken: "stale",
		ExpiresIn:   60,
		CreatedAt:   time.Now().Add(-time.Hour).Unix(),
	}, "refresh-1")

	c, err := New(Config{Dir: dir, Refresh: staticRefresh("fresh", 3600)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "fresh" {
		t.Fatalf("token = %q, want refreshed", tok)
	}

	// The fresh token must be on disk for the next process.
	var onDisk AccessToken
	data, err := os.ReadFile(filepath.Join(dir, "access_token.json"))
	if err != nil {
		t.Fatalf("read access file: %v", err)
	}
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("parse access file: %v", err)
	}
	if onDisk.AccessToken != "fresh" || onDisk.CreatedAt == 0 {
		t.Fatalf("persisted token = %+v", onDisk)
	}
}

func TestTokenRefreshesInsideSkew(t *testing.T) {
	// Valid for 10 more seconds, but the 30s default skew forces a refresh.
	dir := seedDir(t, AccessToken{
		AccessToken: "nearly-stale",
		ExpiresIn:   3610,
		CreatedAt:   time.Now().Add(-time.Hour).Unix(),
	}, "refresh-1")

	c, err := New(Config{Dir: dir, Refresh: staticRefresh("fresh", 3600)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "fresh" {
		t.Fatalf("token = %q, want refresh inside the expiry skew", tok)
	}
}

func TestTokenWithoutExpiryNeverSelfRefreshes(t *testing.T) {
	dir := seedDir(t, AccessToken{AccessToken: "eternal", CreatedAt: 1}, "refresh-1")

	c, err := New(Config{Dir: dir, Refresh: staticRefresh("fresh", 3600)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "eternal" {
		t.Fatalf("token = %q, tokens without expires_in only refresh on demand", tok)
	}
}

func TestRefreshForcesNewToken(t *testing.T) {
	dir := seedDir(t, AccessToken{
		AccessToken: "valid",
		ExpiresIn:   3600,
		CreatedAt:   time.Now().Unix(),
	}, "refresh-1")

	c, err := New(Config{Dir: dir, Refresh: staticRefresh("forced", 3600)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok != "forced" {
		t.Fatalf("token = %q, want forced refresh result", tok)
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	dir := seedDir(t, AccessToken{}, "refresh-old")

	c, err := New(Config{Dir: dir, Refresh: func(ctx context.Context, rt string) (AccessToken, string, error) {
		if rt != "refresh-old" {
			t.Fatalf("refresh called with %q, want refresh-old", rt)
		}
		return AccessToken{AccessToken: "fresh", ExpiresIn: 3600}, "refresh-new", nil
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "refresh_token.json"))
	if err != nil {
		t.Fatalf("read refresh file: %v", err)
	}
	var rt struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(data, &rt); err != nil {
		t.Fatalf("parse refresh file: %v", err)
	}
	if rt.RefreshToken != "refresh-new" {
		t.Fatalf("persisted refresh token = %q, want rotated", rt.RefreshToken)
	}
}

func TestTokenMissingRefreshToken(t *testing.T) {
	c, err := New(Config{Dir: t.TempDir(), Refresh: staticRefresh("x", 10)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Token(context.Background())
	if !pipeline.IsCode(err, pipeline.CodeCredentialsMissing) {
		t.Fatalf("err = %v, want CREDENTIALS_MISSING", err)
	}
}

func TestRefreshFailureClassified(t *testing.T) {
	dir := seedDir(t, AccessToken{}, "refresh-1")
	c, err := New(Config{Dir: dir, Refresh: func(ctx context.Context, rt string) (AccessToken, string, error) {
		return AccessToken{}, "", errors.New("upstream said no")
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Token(context.Background())
	if !pipeline.IsCode(err, pipeline.CodeGrantRejected) {
		t.Fatalf("err = %v, want GRANT_REJECTED", err)
	}
}

func TestRefreshKeepsClassifiedError(t *testing.T) {
	dir := seedDir(t, AccessToken{}, "refresh-1")
	c, err := New(Config{Dir: dir, Refresh: func(ctx context.Context, rt string) (AccessToken, string, error) {
		return AccessToken{}, "", pipeline.New(pipeline.CodeDeviceCodePending, "authorization pending")
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Token(context.Background())
	if !pipeline.IsCode(err, pipeline.CodeDeviceCodePending) {
		t.Fatalf("err = %v, classified refresh errors must pass through", err)
	}
}

func TestTokenSingleFlight(t *testing.T) {
	dir := seedDir(t, AccessToken{}, "refresh-1")
	var calls atomic.Int64
	c, err := New(Config{Dir: dir, Refresh: func(ctx context.Context, rt string) (AccessToken, string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return AccessToken{AccessToken: "fresh", ExpiresIn: 3600}, "", nil
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Token(context.Background()); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Fatalf("refresh ran %d times, want 1", n)
	}
}

func TestSeedPersistsBothFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, Refresh: staticRefresh("x", 10)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Seed(AccessToken{AccessToken: "seeded", ExpiresIn: 3600}, "refresh-seed"); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	for _, name := range []string{"access_token.json", "refresh_token.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s missing after Seed: %v", name, err)
		}
	}

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "seeded" {
		t.Fatalf("token = %q, want seeded", tok)
	}
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, Refresh: staticRefresh("x", 10)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Seed(AccessToken{AccessToken: "a"}, "r"); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "access_token.json" && e.Name() != "refresh_token.json" {
			t.Fatalf("unexpected file %s left behind", e.Name())
		}
	}
}

func TestOAuthRefresherHappyPath(t *testing.T) {
	var gotGrant, gotRefresh, gotClient string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		gotGrant = r.PostForm.Get("grant_type")
		gotRefresh = r.PostForm.Get("refresh_token")
		gotClient = r.PostForm.Get("client_id")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "minted",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "inference",
			"refresh_token": "rotated",
		})
	}))
	defer srv.Close()

	refresh := NewOAuthRefresher(srv.URL, "relay-client", nil)
	access, rotated, err := refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if gotGrant != "refresh_token" || gotRefresh != "refresh-1" || gotClient != "relay-client" {
		t.Fatalf("form = grant %q refresh %q client %q", gotGrant, gotRefresh, gotClient)
	}
	if access.AccessToken != "minted" || access.ExpiresIn != 3600 || access.CreatedAt == 0 {
		t.Fatalf("access = %+v", access)
	}
	if rotated != "rotated" {
		t.Fatalf("rotated = %q", rotated)
	}
}

func TestOAuthRefresherRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	refresh := NewOAuthRefresher(srv.URL, "", nil)
	_, _, err := refresh(context.Background(), "refresh-1")
	if !pipeline.IsCode(err, pipeline.CodeGrantRejected) {
		t.Fatalf("err = %v, want GRANT_REJECTED", err)
	}
}
