package backend

import (
	"net/http"
	"net/http/httputil"
	"strings"

	"go.uber.org/zap"
)

// ProxyOptions customizes the reverse proxy.
type ProxyOptions struct {
	// ClientIP resolves the caller address written to X-Real-IP.
	ClientIP func(*http.Request) string
	// OnError renders transport failures. Defaults to a bare 502.
	OnError func(http.ResponseWriter, *http.Request, error)
	Logger  *zap.Logger
}

// Proxy returns a handler that forwards requests to the backend verbatim,
// adding the internal credential and forwarding headers. Upstream CORS
// headers are dropped so the gateway's own take effect.
func (c *Client) Proxy(opts ProxyOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			w.WriteHeader(http.StatusBadGateway)
		}
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(c.base)
			pr.SetXForwarded()
			if opts.ClientIP != nil {
				if ip := opts.ClientIP(pr.In); ip != "" {
					pr.Out.Header.Set("X-Real-IP", ip)
				}
			}
			pr.Out.Header.Del(c.cfg.ServiceHeader)
			if c.cfg.ServiceKey != "" {
				pr.Out.Header.Set(c.cfg.ServiceHeader, c.cfg.ServiceKey)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			for key := range resp.Header {
				if strings.HasPrefix(http.CanonicalHeaderKey(key), "Access-Control-") {
					resp.Header.Del(key)
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			onError(w, r, err)
		},
	}
}
