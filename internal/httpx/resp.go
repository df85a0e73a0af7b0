// Package httpx renders JSON responses and gateway errors.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error   gateway.ErrorKind `json:"error"`
	Message string            `json:"message"`
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

// WriteRaw writes an already-encoded JSON body.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError renders err as an ErrorBody. Errors that are not a
// *gateway.Error become a generic InternalError. The internal cause is
// logged, never returned to the client.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		gwErr = gateway.ErrInternal(err)
	}
	if logger != nil && gwErr.Err != nil {
		logger.Error("request failed",
			zap.String("kind", string(gwErr.Kind)),
			zap.Int("status", gwErr.Status),
			zap.Error(gwErr.Err),
		)
	}
	if gwErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(gwErr.RetryAfter))
	}
	WriteJSON(w, gwErr.Status, ErrorBody{Error: gwErr.Kind, Message: gwErr.Message})
}
