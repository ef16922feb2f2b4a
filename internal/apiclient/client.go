// Package apiclient is the HTTP client for the tutoring backend. It resolves
// the API root, sends JSON with credentials and classifies failures.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"tutorsync/internal/metrics"
)

const (
	defaultLocalPort = 4000
	maxBodyBytes     = 4 << 20
	cachePrefix      = "tutorsync:get:"
)

// Config configures a Client.
type Config struct {
	// BaseURL, when set, is used as the API root as is.
	BaseURL string
	// Origin is the address the views are served from, e.g. "http://localhost:8080".
	Origin string
	// LocalPort is the backend port used for loopback and private-network origins.
	LocalPort int
	// Token is sent as a bearer token when set; cookies are always kept.
	Token string
	Timeout time.Duration
	// RequestsPerSecond limits outgoing requests; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	AvailabilityPrefix string
	MessagingPrefix    string
}

// Client issues authenticated JSON requests against the backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	group      singleflight.Group
	logger     zerolog.Logger

	availabilityPrefix string
	messagingPrefix    string

	redis    *redis.Client
	cacheTTL time.Duration

	onAuthRequired func()
	redirecting    atomic.Bool

	// writes counts finished mutations; GETs only share a flight within one
	// generation.
	writes atomic.Uint64
}

// New constructs a client; the API root is resolved once from cfg.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	base, err := ResolveBaseURL(cfg.BaseURL, cfg.Origin, cfg.LocalPort)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AvailabilityPrefix == "" {
		cfg.AvailabilityPrefix = "/sessions/availability"
	}
	if cfg.MessagingPrefix == "" {
		cfg.MessagingPrefix = "/students/messaging"
	}

	c := &Client{
		baseURL:            base,
		token:              cfg.Token,
		httpClient:         &http.Client{Timeout: cfg.Timeout, Jar: jar},
		logger:             logger.With().Str("component", "apiclient").Logger(),
		availabilityPrefix: normalizePath(strings.TrimSuffix(cfg.AvailabilityPrefix, "/")),
		messagingPrefix:    normalizePath(strings.TrimSuffix(cfg.MessagingPrefix, "/")),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// ResolveBaseURL picks the API root: an explicit override wins; loopback and
// private-network origins target the local development port; anything else
// uses the relative "/api" root of the origin.
func ResolveBaseURL(override, origin string, localPort int) (string, error) {
	if override != "" {
		return strings.TrimSuffix(override, "/"), nil
	}
	if origin == "" {
		return "", fmt.Errorf("api: neither base url nor origin configured")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("api: invalid origin %q", origin)
	}
	if localPort <= 0 {
		localPort = defaultLocalPort
	}
	host := u.Hostname()
	if isLocalHost(host) {
		return fmt.Sprintf("%s://%s", u.Scheme, net.JoinHostPort(host, fmt.Sprint(localPort))), nil
	}
	return fmt.Sprintf("%s://%s/api", u.Scheme, u.Host), nil
}

func isLocalHost(host string) bool {
	if host == "localhost" || host == "0.0.0.0" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}

// BaseURL returns the resolved API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// UseRedisCache configures optional Redis caching for catalog GET endpoints.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// OnAuthRequired sets the hook that sends the user to the login entry point.
// It runs once per expired session, however many requests fail together.
func (c *Client) OnAuthRequired(fn func()) {
	c.onAuthRequired = fn
}

// ResetAuth re-arms the login hook after the user signed in again.
func (c *Client) ResetAuth() {
	c.redirecting.Store(false)
}

// Request sends method to path with an optional JSON body and decodes the
// JSON response into out (skipped when out is nil).
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	path = normalizePath(path)

	var data []byte
	var err error
	if method == http.MethodGet && body == nil {
		data, err = c.get(ctx, path)
	} else {
		data, err = c.send(ctx, method, path, body)
		c.writes.Add(1)
	}
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindRequestFailed, Method: method, Path: path, Status: http.StatusOK, Detail: "malformed response", Err: err}
	}
	return nil
}

// get collapses concurrent identical GETs into one round trip and serves
// catalog paths from Redis when configured. A GET issued after a mutation
// finished never joins a flight started before it. The shared round trip is
// detached from the caller's ctx; each caller stops waiting on its own ctx.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	cacheable := isCatalogPath(path)
	if cacheable {
		if data, ok := c.readCache(ctx, path); ok {
			return data, nil
		}
	}

	gen := c.writes.Load()
	key := path + "#" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.send(context.WithoutCancel(ctx), http.MethodGet, path, nil)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindTransient, Method: http.MethodGet, Path: path, Err: ctx.Err()}
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	data := res.Val.([]byte)
	if cacheable && c.writes.Load() == gen {
		c.writeCache(ctx, path, data)
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTransient, Method: method, Path: path, Err: err}
		}
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindRequestFailed, Method: method, Path: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveRequest(method, string(KindTransient), time.Since(start))
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, &Error{Kind: KindTransient, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveRequest(method, string(KindTransient), time.Since(start))
		return nil, &Error{Kind: KindTransient, Method: method, Path: path, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.ObserveRequest(method, "ok", time.Since(start))
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Dur("took", time.Since(start)).
			Msg("request done")
		return data, nil
	}

	apiErr := c.classify(method, path, resp.StatusCode, data)
	metrics.ObserveRequest(method, string(apiErr.Kind), time.Since(start))
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("kind", string(apiErr.Kind)).
		Msg("request rejected")
	return nil, apiErr
}

func (c *Client) classify(method, path string, status int, body []byte) *Error {
	apiErr := &Error{Method: method, Path: path, Status: status, Detail: parseDetail(body)}
	switch {
	case status == http.StatusUnauthorized:
		apiErr.Kind = KindAuthRequired
		c.authRequired()
	case status == http.StatusForbidden:
		apiErr.Kind = KindForbidden
	case status >= 500:
		apiErr.Kind = KindTransient
	case status >= 400 && apiErr.Detail != "":
		apiErr.Kind = KindValidation
	default:
		apiErr.Kind = KindRequestFailed
	}
	return apiErr
}

func (c *Client) authRequired() {
	if !c.redirecting.CompareAndSwap(false, true) {
		return
	}
	c.logger.Warn().Msg("session expired, redirecting to login")
	if c.onAuthRequired != nil {
		c.onAuthRequired()
	}
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) readCache(ctx context.Context, path string) ([]byte, bool) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return nil, false
	}
	val, err := c.redis.Get(ctx, cachePrefix+path).Bytes()
	if err != nil {
		metrics.IncCache("miss")
		return nil, false
	}
	metrics.IncCache("hit")
	return val, true
}

func (c *Client) writeCache(ctx context.Context, path string, data []byte) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	_ = c.redis.Set(ctx, cachePrefix+path, data, c.cacheTTL).Err()
}

// invalidateCatalog drops cached catalog pages after a booking changed seat counts.
func (c *Client) invalidateCatalog(ctx context.Context) {
	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, cachePrefix+"/sessions/*", 100).Iterator()
	for iter.Next(ctx) {
		_ = c.redis.Del(ctx, iter.Val()).Err()
	}
	if err := iter.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("cache invalidation failed")
	}
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// isCatalogPath matches /sessions/browse and /sessions/{id}.
func isCatalogPath(path string) bool {
	if path == "/sessions/browse" {
		return true
	}
	rest, ok := strings.CutPrefix(path, "/sessions/")
	if !ok || rest == "" || strings.ContainsAny(rest, "/?") {
		return false
	}
	return rest != "availability" && rest != "tutor"
}

// parseDetail extracts a user-facing message from an error body:
// {"detail": "..."}, {"detail": [{"msg": "..."}]}, {"message": "..."} or {"error": "..."}.
func parseDetail(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil && s != "" {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(payload.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
