// ABOUTME: File-backed OAuth token cache implementing the provider token-source contract.
// ABOUTME: Tokens persist as access_token.json / refresh_token.json, written atomically.

package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/relay/pipeline"
)

const (
	accessFile  = "access_token.json"
	refreshFile = "refresh_token.json"

	defaultExpirySkew = 30 * time.Second
)

// AccessToken is the on-disk shape of access_token.json.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Expired reports whether the token has lapsed at now, refreshing skew
// early. Tokens without expiry information never expire on their own; a 401
// from the provider forces the refresh instead.
func (t AccessToken) Expired(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return true
	}
	if t.ExpiresIn <= 0 {
		return false
	}
	expiry := time.Unix(t.CreatedAt, 0).Add(time.Duration(t.ExpiresIn) * time.Second)
	return !now.Add(skew).Before(expiry)
}

// refreshToken is the on-disk shape of refresh_token.json.
type refreshToken struct {
	RefreshToken string `json:"refresh_token"`
	CreatedAt    int64  `json:"created_at,omitempty"`
}

// RefreshFunc exchanges a refresh token for a fresh access token. The second
// return is the rotated refresh token; empty keeps the current one.
type RefreshFunc func(ctx context.Context, refreshTok string) (AccessToken, string, error)

// Dir builds the conventional per-provider cache directory under root.
func Dir(root, provider string) string {
	return filepath.Join(root, provider)
}

// Config assembles a Cache.
type Config struct {
	// Dir is the per-provider directory holding the two token files.
	Dir string

	// Refresh mints a fresh access token from the cached refresh token.
	Refresh RefreshFunc

	// ExpirySkew refreshes this early, covering clock drift and in-flight
	// time. Defaults to 30s.
	ExpirySkew time.Duration

	Logger *slog.Logger
}

// Cache is a file-backed token store satisfying pipeline.TokenSource.
// Refreshes are single-flight: concurrent Token calls during an expiry share
// one upstream exchange.
type Cache struct {
	dir     string
	refresh RefreshFunc
	skew    time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	access AccessToken
	refTok string
	loaded bool
}

func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("token cache needs a directory")
	}
	if cfg.Refresh == nil {
		return nil, fmt.Errorf("token cache needs a refresh func")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating token cache dir: %w", err)
	}
	skew := cfg.ExpirySkew
	if skew <= 0 {
		skew = defaultExpirySkew
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{dir: cfg.Dir, refresh: cfg.Refresh, skew: skew, logger: logger}, nil
}

// Token returns a currently valid access token, refreshing when the cached
// one is missing or inside the expiry skew.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(); err != nil {
		return "", err
	}
	if !c.access.Expired(time.Now(), c.skew) {
		return c.access.AccessToken, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.access.AccessToken, nil
}

// Refresh forces a refresh regardless of expiry.
func (c *Cache) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(); err != nil {
		return "", err
	}
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.access.AccessToken, nil
}

// Seed persists an initial token pair, for first-time provisioning.
func (c *Cache) Seed(access AccessToken, refreshTok string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if access.CreatedAt == 0 {
		access.CreatedAt = time.Now().Unix()
	}
	c.access = access
	c.refTok = refreshTok
	c.loaded = true
	return c.storeLocked(true)
}

// loadLocked reads both token files once. Missing files are not an error;
// the refresh path decides whether anything can be done.
func (c *Cache) loadLocked() error {
	if c.loaded {
		return nil
	}
	if err := readJSON(filepath.Join(c.dir, accessFile), &c.access); err != nil {
		return err
	}
	var rt refreshToken
	if err := readJSON(filepath.Join(c.dir, refreshFile), &rt); err != nil {
		return err
	}
	c.refTok = rt.RefreshToken
	c.loaded = true
	return nil
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	if c.refTok == "" {
		return pipeline.Newf(pipeline.CodeCredentialsMissing, "no refresh token in %s", c.dir)
	}

	access, rotated, err := c.refresh(ctx, c.refTok)
	if err != nil {
		if _, ok := pipeline.AsError(err); ok {
			return err
		}
		return pipeline.Wrap(pipeline.CodeGrantRejected, err, "refreshing access token")
	}
	if access.AccessToken == "" {
		return pipeline.New(pipeline.CodeGrantRejected, "refresh produced an empty access token")
	}
	if access.CreatedAt == 0 {
		access.CreatedAt = time.Now().Unix()
	}

	c.access = access
	rotatedRefresh := rotated != "" && rotated != c.refTok
	if rotatedRefresh {
		c.refTok = rotated
	}
	if err := c.storeLocked(rotatedRefresh); err != nil {
		return err
	}
	c.logger.Info("access token refreshed", "dir", c.dir, "expires_in", access.ExpiresIn, "rotated_refresh", rotatedRefresh)
	return nil
}

func (c *Cache) storeLocked(withRefresh bool) error {
	if err := writeJSONAtomic(filepath.Join(c.dir, accessFile), c.access); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}
	if withRefresh {
		rt := refreshToken{RefreshToken: c.refTok, CreatedAt: time.Now().Unix()}
		if err := writeJSONAtomic(filepath.Join(c.dir, refreshFile), rt); err != nil {
			return fmt.Errorf("persisting refresh token: %w", err)
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic writes v to path via a temp file + rename so a crash never
// leaves a half-written token file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// NewOAuthRefresher builds a RefreshFunc performing the standard
// refresh_token grant against tokenURL.
func NewOAuthRefresher(tokenURL, clientID string, client *http.Client) RefreshFunc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, refreshTok string) (AccessToken, string, error) {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshTok},
		}
		if clientID != "" {
			form.Set("client_id", clientID)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return AccessToken{}, "", fmt.Errorf("building token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return AccessToken{}, "", fmt.Errorf("calling token endpoint: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return AccessToken{}, "", fmt.Errorf("reading token response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return AccessToken{}, "", pipeline.Newf(pipeline.CodeGrantRejected, "token endpoint returned %d: %s", resp.StatusCode, firstLine(body))
		}

		var out struct {
			AccessToken  string `json:"access_token"`
			TokenType    string `json:"token_type"`
			ExpiresIn    int    `json:"expires_in"`
			Scope        string `json:"scope"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return AccessToken{}, "", fmt.Errorf("parsing token response: %w", err)
		}
		access := AccessToken{
			AccessToken: out.AccessToken,
			TokenType:   out.TokenType,
			ExpiresIn:   out.ExpiresIn,
			Scope:       out.Scope,
			CreatedAt:   time.Now().Unix(),
		}
		return access, out.RefreshToken, nil
	}
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
