package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/issuer-sync/internal/security"
)

// Dependencies wires the webhook endpoint.
type Dependencies struct {
	Logger    *slog.Logger
	Processor *Processor

	Username     string
	PasswordHash string
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
	RateLimiter  *security.RedisTokenBucket
}

type deliveryResponse struct {
	CorrelationID string `json:"correlation_id"`
	Summary
}

// NewRouter builds the HTTP handler the platform delivers events to.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Processor == nil {
		return nil, errors.New("webhooks: processor is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	envelopeV, err := security.NewJSONSchemaValidator(envelopeSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(security.IPAllowlist(deps.IPAllowlist))
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByRemoteIP))
		}
		r.Use(BasicAuth(deps.Username, deps.PasswordHash))
		r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
		r.With(envelopeV.Middleware).Post("/webhooks", handleDelivery(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	return r, nil
}

func handleDelivery(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
		sum, err := deps.Processor.Dispatch(r.Context(), body)
		if errors.Is(err, ErrInvalidEvent) {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_envelope")
			return
		}
		if err != nil {
			security.Logger(r.Context(), deps.Logger).Warn("delivery interrupted", "error", err)
			security.WriteRetryableError(w, r, "delivery_failed")
			return
		}

		status := http.StatusOK
		if sum.Retry() {
			status = http.StatusInternalServerError
		}
		writeJSON(w, r, status, deliveryResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Summary:       sum,
		})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
