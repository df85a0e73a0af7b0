// Package auth guards /api routes with an API key allow-list and a
// per-client failed-attempt limit kept in the key-value store.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/httpx"
	"github.com/JakeFAU/keypick-gateway/internal/metrics"
)

// CounterKeyPrefix namespaces failed-attempt counters.
const CounterKeyPrefix = "ratelimit:auth:"

// Config controls credential lookup and the failed-attempt limit.
type Config struct {
	APIKeys        []string
	Header         string
	ClientIPHeader string
	MaxFailures    int64
	FailureWindow  time.Duration
}

// Guard authenticates requests.
type Guard struct {
	cfg    Config
	keys   [][]byte
	kv     gateway.KVStore
	logger *zap.Logger
}

// New builds a Guard. Defaults mirror the gateway config defaults.
func New(cfg Config, kv gateway.KVStore, logger *zap.Logger) *Guard {
	if cfg.Header == "" {
		cfg.Header = "X-API-Key"
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, []byte(k))
	}
	return &Guard{cfg: cfg, keys: keys, kv: kv, logger: logger}
}

// CounterKey returns the failed-attempt counter key for a client address.
func CounterKey(clientIP string) string {
	return CounterKeyPrefix + clientIP
}

// Middleware rejects requests without a valid credential.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			httpx.WriteError(w, g.logger, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Check authenticates r. It returns nil for a valid credential and a
// *gateway.Error otherwise.
func (g *Guard) Check(r *http.Request) error {
	key := g.credential(r)
	if key == "" {
		metrics.ObserveAuthRejection("missing")
		return gateway.ErrAuthentication(fmt.Sprintf(
			"missing API key: provide the %s header or Authorization: Bearer <key>", g.cfg.Header))
	}
	if g.valid(key) {
		return nil
	}

	ctx := r.Context()
	ip := g.ClientIP(r)
	counterKey := CounterKey(ip)
	if g.failures(r, counterKey) >= g.cfg.MaxFailures {
		metrics.ObserveAuthRejection("rate_limited")
		g.logger.Warn("client rate limited", zap.String("client_ip", ip))
		return gateway.ErrRateLimited("too many failed authentication attempts", int(g.cfg.FailureWindow/time.Second))
	}
	if _, err := g.kv.Incr(ctx, counterKey, g.cfg.FailureWindow); err != nil {
		g.logger.Warn("failed to record auth failure", zap.String("client_ip", ip), zap.Error(err))
	}
	metrics.ObserveAuthRejection("invalid")
	return gateway.ErrAuthorization("invalid API key")
}

// failures reads the current counter. Store errors count as zero so auth
// keeps working when the store is degraded.
func (g *Guard) failures(r *http.Request, key string) int64 {
	raw, err := g.kv.Get(r.Context(), key)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			g.logger.Warn("failed to read auth counter", zap.String("key", key), zap.Error(err))
		}
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (g *Guard) credential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(g.cfg.Header)); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// valid compares key against every allowed key in constant time.
func (g *Guard) valid(key string) bool {
	candidate := []byte(key)
	match := 0
	for _, k := range g.keys {
		match |= subtle.ConstantTimeCompare(candidate, k)
	}
	return match == 1
}

// ClientIP resolves the caller address: the configured edge header, then the
// first X-Forwarded-For hop, then the connection's remote host.
func (g *Guard) ClientIP(r *http.Request) string {
	if g.cfg.ClientIPHeader != "" {
		if ip := strings.TrimSpace(r.Header.Get(g.cfg.ClientIPHeader)); ip != "" {
			return ip
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
