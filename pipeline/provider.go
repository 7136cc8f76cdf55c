// ABOUTME: Terminal provider stage performing the single-shot upstream HTTP exchange.
// ABOUTME: Owns auth header signing, SSE decode into unified events, and raw error surfacing.

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389-research/relay/wire"
	"github.com/2389-research/relay/wire/sse"
)

// Auth kinds a provider stage can sign with. Passthrough forwards the
// caller's Authorization header instead of holding credentials of its own.
const (
	AuthAPIKey      = "api_key"
	AuthBearer      = "bearer"
	AuthOAuth       = "oauth"
	AuthPassthrough = "passthrough"
)

// Client modes.
const (
	ClientModeHTTP = "http"
	ClientModeSDK  = "sdk"
)

const (
	defaultAnthropicVersion = "2023-06-01"
	maxErrorBodyBytes       = 1 << 20
	streamEventBuffer       = 64
)

// TokenSource supplies OAuth-style bearer tokens. Implementations cache to
// disk and refresh on expiry.
type TokenSource interface {
	// Token returns a currently valid access token, refreshing if needed.
	Token(ctx context.Context) (string, error)
	// Refresh forces a refresh regardless of expiry.
	Refresh(ctx context.Context) (string, error)
}

// UpstreamError is a non-2xx answer from the provider, kept raw so the
// error response center can classify it.
type UpstreamError struct {
	Provider      string
	Status        int
	RetryAfter    time.Duration
	HasRetryAfter bool
	Body          []byte

	// Refreshable marks auth failures where the credential source can mint
	// a fresh token, steering classification toward token refresh instead
	// of credential rotation.
	Refreshable bool
}

func (e *UpstreamError) Error() string {
	msg := wire.ErrorMessage(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s upstream returned %d: %s", e.Provider, e.Status, msg)
}

// ProviderConfig configures the terminal stage for one upstream target.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	Dialect  wire.Dialect

	// Model overrides the request body's model field when non-empty.
	Model string

	// ClientMode selects the HTTP transport or the vendor SDK. The SDK mode
	// only speaks the OpenAI dialect.
	ClientMode string

	AuthKind    string
	Credentials []string
	TokenSource TokenSource

	Headers    map[string]string
	APIVersion string
	ProbePath  string

	// ResponseHeaderTimeout bounds time-to-first-header. The client carries
	// no total timeout; streamed bodies outlive any sane value.
	ResponseHeaderTimeout time.Duration

	Logger *slog.Logger
}

// ProviderStage is the terminal of a stage chain. One Exchange call is one
// network attempt; retries belong to the scheduler.
type ProviderStage struct {
	BaseStage
	cfg    ProviderConfig
	client *http.Client
	sdk    *sdkClient
	logger *slog.Logger
}

// NewProviderStage builds the terminal stage. Init opens the HTTP client.
func NewProviderStage(cfg ProviderConfig) (*ProviderStage, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %q has no base URL", cfg.Provider)
	}
	if cfg.Dialect != wire.DialectOpenAI && cfg.Dialect != wire.DialectAnthropic {
		return nil, fmt.Errorf("provider %q speaks unsupported dialect %q", cfg.Provider, cfg.Dialect)
	}
	if cfg.ClientMode == "" {
		cfg.ClientMode = ClientModeHTTP
	}
	if cfg.ClientMode == ClientModeSDK && cfg.Dialect != wire.DialectOpenAI {
		return nil, fmt.Errorf("sdk client mode requires the openai dialect, got %q", cfg.Dialect)
	}
	if cfg.AuthKind == "" {
		cfg.AuthKind = AuthAPIKey
	}
	if cfg.AuthKind == AuthOAuth && cfg.TokenSource == nil {
		return nil, fmt.Errorf("provider %q uses oauth auth but has no token source", cfg.Provider)
	}
	if cfg.AuthKind == AuthPassthrough && cfg.ClientMode == ClientModeSDK {
		return nil, fmt.Errorf("provider %q cannot forward caller credentials through the sdk client", cfg.Provider)
	}
	if cfg.AuthKind != AuthOAuth && cfg.AuthKind != AuthPassthrough && len(cfg.Credentials) == 0 {
		return nil, fmt.Errorf("provider %q has no credentials", cfg.Provider)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAnthropicVersion
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/models"
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderStage{
		BaseStage: BaseStage{StageName: "provider"},
		cfg:       cfg,
		logger:    logger.With("provider", cfg.Provider),
	}, nil
}

func (p *ProviderStage) Init(ctx context.Context) error {
	p.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: p.cfg.ResponseHeaderTimeout,
		},
	}
	if p.cfg.ClientMode == ClientModeSDK {
		sdk, err := newSDKClient(p.cfg)
		if err != nil {
			return err
		}
		p.sdk = sdk
	}
	return nil
}

func (p *ProviderStage) Close() error {
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	return nil
}

// credential resolves the signing secret for this attempt. ec may be nil
// for probes; index 0 is used then.
func (p *ProviderStage) credential(ctx context.Context, ec *ExecContext) (string, error) {
	switch p.cfg.AuthKind {
	case AuthOAuth:
		token, err := p.cfg.TokenSource.Token(ctx)
		if err != nil {
			return "", Wrap(CodeTokenExpired, err, "resolving oauth token")
		}
		return token, nil
	case AuthPassthrough:
		if ec == nil || ec.ClientAuthorization == "" {
			return "", New(CodeCredentialsMissing, "caller sent no authorization to forward")
		}
		return ec.ClientAuthorization, nil
	}
	idx := 0
	if ec != nil {
		idx = ec.CredentialIndex
	}
	if len(p.cfg.Credentials) == 0 {
		return "", New(CodeCredentialsMissing, "no credentials configured")
	}
	return p.cfg.Credentials[idx%len(p.cfg.Credentials)], nil
}

// sign writes auth and dialect headers onto the outgoing request. For
// passthrough auth the secret is the caller's full header value, scheme
// included.
func (p *ProviderStage) sign(req *http.Request, secret string) {
	switch {
	case p.cfg.AuthKind == AuthPassthrough:
		req.Header.Set("Authorization", secret)
	case p.cfg.Dialect == wire.DialectAnthropic && p.cfg.AuthKind == AuthAPIKey:
		req.Header.Set("x-api-key", secret)
	default:
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	if p.cfg.Dialect == wire.DialectAnthropic {
		req.Header.Set("anthropic-version", p.cfg.APIVersion)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// RefreshAuth forces the token source to mint a fresh access token. Only
// meaningful for oauth-backed providers.
func (p *ProviderStage) RefreshAuth(ctx context.Context) error {
	if p.cfg.TokenSource == nil {
		return New(CodeCredentialsMissing, "provider has no refreshable token source")
	}
	if _, err := p.cfg.TokenSource.Refresh(ctx); err != nil {
		return Wrap(CodeTokenExpired, err, "refreshing access token")
	}
	return nil
}

func (p *ProviderStage) endpoint() string {
	base := strings.TrimSuffix(p.cfg.BaseURL, "/")
	if p.cfg.Dialect == wire.DialectAnthropic {
		return base + "/messages"
	}
	return base + "/chat/completions"
}

// Exchange performs exactly one upstream attempt. Network failures and
// context expiry return raw; non-2xx statuses return *UpstreamError.
func (p *ProviderStage) Exchange(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Response, error) {
	if p.cfg.Model != "" {
		var err error
		req, err = req.WithModel(p.cfg.Model)
		if err != nil {
			return wire.Response{}, Wrap(CodeRequestValidationFailed, err, "overriding model")
		}
	}

	if p.sdk != nil {
		return p.sdk.exchange(ctx, ec, req)
	}
	return p.exchangeHTTP(ctx, ec, req)
}

func (p *ProviderStage) exchangeHTTP(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Response, error) {
	secret, err := p.credential(ctx, ec)
	if err != nil {
		return wire.Response{}, err
	}

	reqCtx := ctx
	guard := newStreamGuard(ctx, ec, req)
	if guard != nil {
		reqCtx = guard.ctx
	}
	defer guard.close()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint(), bytes.NewReader(req.Raw))
	if err != nil {
		return wire.Response{}, fmt.Errorf("building upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Streaming() {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	p.sign(httpReq, secret)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return wire.Response{}, err
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		return wire.Response{}, &UpstreamError{
			Provider:      p.cfg.Provider,
			Status:        httpResp.StatusCode,
			RetryAfter:    retryAfterOf(httpResp.Header),
			HasRetryAfter: httpResp.Header.Get("Retry-After") != "",
			Body:          body,
			Refreshable:   p.cfg.AuthKind == AuthOAuth,
		}
	}

	if req.Streaming() && strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		release := func() {}
		done := ctx.Done()
		if guard != nil {
			release = guard.handoff()
			done = guard.ctx.Done()
		}
		return wire.Response{
			Dialect: p.cfg.Dialect,
			Status:  httpResp.StatusCode,
			Events:  p.consumeStream(httpResp.Body, done, release),
		}, nil
	}

	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return wire.Response{}, fmt.Errorf("reading upstream body: %w", err)
	}
	return wire.Response{Dialect: p.cfg.Dialect, Status: httpResp.StatusCode, Raw: body}, nil
}

// streamGuard scopes an exchange whose stream is handed back to the caller.
// The attempt context guards connect and first byte; after handoff the open
// stream runs on the caller's lifetime instead, so the scheduler canceling
// the attempt does not kill a stream it already returned.
type streamGuard struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	detach func() bool
	handed bool
}

// newStreamGuard returns nil when the exchange is buffered, the caller wants
// a buffered body, or no caller lifetime was provided. Nil guards degrade to
// plain attempt-scoped behavior.
func newStreamGuard(attempt context.Context, ec *ExecContext, req wire.Request) *streamGuard {
	if ec == nil || !ec.WantStream || ec.StreamParent == nil || !req.Streaming() {
		return nil
	}
	ctx, cancel := context.WithCancelCause(ec.StreamParent)
	g := &streamGuard{ctx: ctx, cancel: cancel}
	// Propagate attempt expiry with its cause so a handshake killed by the
	// deadline still classifies as a timeout.
	g.detach = context.AfterFunc(attempt, func() {
		cancel(context.Cause(attempt))
	})
	return g
}

// handoff detaches the attempt context and transfers lifetime ownership to
// the stream consumer. The returned release frees the context once the
// consume goroutine finishes.
func (g *streamGuard) handoff() func() {
	g.detach()
	g.handed = true
	return func() { g.cancel(nil) }
}

// close cancels the stream context unless the stream was handed off. Safe on
// a nil guard.
func (g *streamGuard) close() {
	if g == nil || g.handed {
		return
	}
	g.detach()
	g.cancel(nil)
}

// consumeStream decodes upstream SSE into unified events on a channel that
// closes when the stream ends. A decode or transport failure becomes a
// terminal StreamError event. Sends abandon the channel once done fires so a
// vanished consumer cannot strand the goroutine.
func (p *ProviderStage) consumeStream(body io.ReadCloser, done <-chan struct{}, release func()) <-chan wire.StreamEvent {
	events := make(chan wire.StreamEvent, streamEventBuffer)

	go func() {
		defer release()
		defer close(events)
		defer body.Close()

		emit := func(ev wire.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-done:
				return false
			}
		}

		parser, err := wire.NewStreamParser(p.cfg.Dialect)
		if err != nil {
			emit(wire.StreamEvent{Type: wire.StreamError, Err: err})
			return
		}

		sseParser := sse.NewParser(body)
		for {
			frame, err := sseParser.Next()
			if err == io.EOF {
				for _, ev := range parser.Close() {
					if !emit(ev) {
						return
					}
				}
				return
			}
			if err != nil {
				emit(wire.StreamEvent{Type: wire.StreamError, Err: Wrap(CodeStreamInterrupted, err, "reading upstream stream")})
				return
			}
			evs, err := parser.Parse(frame)
			if err != nil {
				emit(wire.StreamEvent{Type: wire.StreamError, Err: Wrap(CodeResponseDecodeFailed, err, "decoding upstream stream")})
				return
			}
			for _, ev := range evs {
				if !emit(ev) {
					return
				}
			}
		}
	}()

	return events
}

// Probe checks upstream liveness with a cheap authenticated GET. Any
// response with headers counts as alive; only transport failures and 5xx
// are unhealthy.
func (p *ProviderStage) Probe(ctx context.Context) error {
	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + p.cfg.ProbePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	// Passthrough providers hold no credential outside a request; the probe
	// goes out unsigned and a 401 answer still counts as alive.
	if p.cfg.AuthKind != AuthPassthrough {
		secret, err := p.credential(ctx, nil)
		if err != nil {
			return err
		}
		p.sign(req, secret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}

// retryAfterOf parses a Retry-After header, accepting both delta-seconds
// and HTTP-date forms.
func retryAfterOf(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
