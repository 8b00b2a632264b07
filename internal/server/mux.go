// Package server wires the registry's HTTP endpoints using net/http.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SoulRegistry/soul-registry-go/internal/challenge"
	"github.com/SoulRegistry/soul-registry-go/internal/config"
	"github.com/SoulRegistry/soul-registry-go/internal/model"
	"github.com/SoulRegistry/soul-registry-go/internal/registry"
	"github.com/SoulRegistry/soul-registry-go/internal/storage"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"

	headerContentType    = "Content-Type"
	headerCorrelationID  = "X-Correlation-Id"
	headerIdempotencyKey = "Idempotency-Key"

	contentTypeJSON = "application/json"
)

// Handler wires HTTP endpoints to the registry engine and challenge manager.
type Handler struct {
	cfg        config.Config
	store      storage.Store
	engine     *registry.Engine
	challenges *challenge.Manager
	logger     *slog.Logger
	signer     ed25519.PrivateKey // optional, mints verification proof tokens
	clock      func() time.Time
	router     *http.ServeMux
}

// New creates a Handler using the supplied dependencies. A proof signing key,
// when configured, must be a full Ed25519 private key.
func New(cfg config.Config, store storage.Store, engine *registry.Engine, challenges *challenge.Manager, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var signer ed25519.PrivateKey
	if len(cfg.ProofSigningKey) > 0 {
		if len(cfg.ProofSigningKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("proof signing key must be %d bytes", ed25519.PrivateKeySize)
		}
		signer = ed25519.PrivateKey(cfg.ProofSigningKey)
	}
	h := &Handler{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		challenges: challenges,
		logger:     logger,
		signer:     signer,
		clock:      func() time.Time { return time.Now().UTC() },
		router:     http.NewServeMux(),
	}
	h.registerRoutes()
	return h, nil
}

// Router returns the *http.ServeMux with all routes registered.
func (h *Handler) Router() *http.ServeMux {
	return h.router
}

func (h *Handler) registerRoutes() {
	chain := func(fn func(http.ResponseWriter, *http.Request)) http.Handler {
		return h.loggingMiddleware(h.timeoutMiddleware(h.corsMiddleware(h.wrap(fn))))
	}
	h.router.Handle("/health", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.health))))
	h.router.Handle("/ready", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.readyHandler))))
	h.router.Handle("/metrics", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.metricsHandler))))

	h.router.Handle("/v1/identity", chain(h.handleIdentityRegister))
	h.router.Handle("/v1/identity/", chain(h.handleIdentitySubpath))
	h.router.Handle("/v1/search", chain(h.handleSearch))
	h.router.Handle("/v1/challenge", chain(h.handleChallengeIssue))
	h.router.Handle("/v1/challenge/", chain(h.handleChallengeVerify))
}

type responseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Meta  any            `json:"meta,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) wrap(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		ctx = context.WithValue(ctx, registry.CorrelationContextKey, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(headerContentType, contentTypeJSON)

		if h.tryReplay(w, r) {
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, http.StatusInternalServerError, "SOUL_INTERNAL", "internal server error", correlationID, nil)
			}
		}()

		next(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

func (h *Handler) tryReplay(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return false
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		return false
	}
	cached, ok := h.store.Recall(r.Context(), key)
	if !ok {
		return false
	}
	for k, v := range cached.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

func (h *Handler) remember(r *http.Request, w http.ResponseWriter, status int, payload []byte) {
	if r.Method == http.MethodGet {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		return
	}
	headers := make(map[string]string, len(w.Header()))
	for k := range w.Header() {
		headers[k] = w.Header().Get(k)
	}
	_ = h.store.Remember(r.Context(), key, storage.StoredResponse{
		StatusCode: status,
		Body:       append([]byte(nil), payload...),
		Headers:    headers,
		ExpiresAt:  h.clock().Add(24 * time.Hour),
	})
}

func (h *Handler) handleIdentityRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}

	var input struct {
		Document  registry.RegistrationDocument `json:"document"`
		Signature string                        `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "invalid JSON body", nil)
		return
	}
	if strings.TrimSpace(input.Signature) == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "signature is required", nil)
		return
	}

	rec, err := h.engine.Register(r.Context(), input.Document, input.Signature)
	if err != nil {
		h.writeEngineError(w, r, err)
		registrationCount.WithLabelValues("failure").Inc()
		return
	}
	registrationCount.WithLabelValues("success").Inc()

	payload := h.writeSuccess(w, http.StatusCreated, rec.Public(), nil, r)
	h.remember(r, w, http.StatusCreated, payload)
	h.logger.Info("identity registered", "did", rec.DID, "correlationId", correlationIDFrom(r.Context()))
}

// handleIdentitySubpath dispatches /v1/identity/{ref} and
// /v1/identity/{ref}/{contact|capabilities|status}.
func (h *Handler) handleIdentitySubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/identity/")
	if rest == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "identity reference is required", nil)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	ref := parts[0]

	if len(parts) == 1 {
		h.handleIdentityResolve(w, r, ref)
		return
	}
	switch parts[1] {
	case "contact":
		h.handleUpdateContact(w, r, ref)
	case "capabilities":
		h.handleUpdateCapabilities(w, r, ref)
	case "status":
		h.handleStatusChange(w, r, ref)
	default:
		h.writeErrorWithRequest(w, r, http.StatusNotFound, "SOUL_NOT_FOUND", "unknown resource", nil)
	}
}

func (h *Handler) handleIdentityResolve(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodGet {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}
	pub, err := h.engine.Resolve(r.Context(), ref)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, pub, nil, r)
}

func (h *Handler) handleUpdateContact(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}
	var input struct {
		Contact   map[string]any `json:"contact"`
		Signature string         `json:"signature"`
		Timestamp string         `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "invalid JSON body", nil)
		return
	}
	pub, err := h.engine.UpdateContact(r.Context(), ref, input.Contact, input.Signature, input.Timestamp)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	payload := h.writeSuccess(w, http.StatusOK, pub, nil, r)
	h.remember(r, w, http.StatusOK, payload)
	h.logger.Info("contact updated", "did", pub.DID, "correlationId", correlationIDFrom(r.Context()))
}

func (h *Handler) handleUpdateCapabilities(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}
	var input struct {
		Capabilities []string `json:"capabilities"`
		Signature    string   `json:"signature"`
		Timestamp    string   `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "invalid JSON body", nil)
		return
	}
	pub, err := h.engine.UpdateCapabilities(r.Context(), ref, input.Capabilities, input.Signature, input.Timestamp)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	payload := h.writeSuccess(w, http.StatusOK, pub, nil, r)
	h.remember(r, w, http.StatusOK, payload)
	h.logger.Info("capabilities updated", "did", pub.DID, "correlationId", correlationIDFrom(r.Context()))
}

func (h *Handler) handleStatusChange(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}
	var input struct {
		Status    string `json:"status"`
		Reason    string `json:"reason"`
		Signature string `json:"signature"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "invalid JSON body", nil)
		return
	}
	pub, err := h.engine.ChangeStatus(r.Context(), ref, model.Status(input.Status), input.Reason, input.Signature, input.Timestamp)
	if err != nil {
		h.writeEngineError(w, r, err)
		statusChangeCount.WithLabelValues("failure").Inc()
		return
	}
	statusChangeCount.WithLabelValues("success").Inc()
	payload := h.writeSuccess(w, http.StatusOK, map[string]any{
		"did":             pub.DID,
		"status":          pub.Status,
		"statusChangedAt": pub.StatusChangedAt,
	}, nil, r)
	h.remember(r, w, http.StatusOK, payload)
	h.logger.Info("status changed", "did", pub.DID, "status", pub.Status, "correlationId", correlationIDFrom(r.Context()))
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}
	q, err := parseSearchQuery(r)
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", err.Error(), nil)
		return
	}
	result, err := h.engine.Search(r.Context(), q)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, result, map[string]any{"total": result.Total}, r)
}

func parseSearchQuery(r *http.Request) (model.SearchQuery, error) {
	params := r.URL.Query()
	q := model.SearchQuery{
		NamePattern:     strings.TrimSpace(params.Get("name")),
		OperatorPattern: strings.TrimSpace(params.Get("operator")),
		Status:          model.Status(strings.TrimSpace(params.Get("status"))),
	}
	var err error
	if q.Limit, err = parseIntParam(params.Get("limit")); err != nil {
		return model.SearchQuery{}, fmt.Errorf("invalid limit: %w", err)
	}
	if q.Offset, err = parseIntParam(params.Get("offset")); err != nil {
		return model.SearchQuery{}, fmt.Errorf("invalid offset: %w", err)
	}
	if raw := params.Get("registeredAfter"); raw != "" {
		if q.RegisteredAfter, err = time.Parse(time.RFC3339, raw); err != nil {
			return model.SearchQuery{}, fmt.Errorf("invalid registeredAfter: %w", err)
		}
	}
	if raw := params.Get("registeredBefore"); raw != "" {
		if q.RegisteredBefore, err = time.Parse(time.RFC3339, raw); err != nil {
			return model.SearchQuery{}, fmt.Errorf("invalid registeredBefore: %w", err)
		}
	}
	return q, nil
}

func parseIntParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (h *Handler) handleChallengeIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}
	var input struct {
		Subject string `json:"subject"` // DID or name
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "invalid JSON body", nil)
		return
	}
	if strings.TrimSpace(input.Subject) == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "subject is required", nil)
		return
	}
	ch, err := h.challenges.Issue(r.Context(), input.Subject)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	challengeIssuanceCount.Inc()
	h.writeSuccess(w, http.StatusCreated, map[string]any{
		"challengeId": ch.ID,
		"did":         ch.DID,
		"nonce":       ch.Nonce,
		"expiresAt":   ch.ExpiresAt.Format(time.RFC3339),
	}, nil, r)
	h.logger.Info("challenge issued", "did", ch.DID, "correlationId", correlationIDFrom(r.Context()))
}

func (h *Handler) handleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "SOUL_VALIDATION", "method not allowed", nil)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/challenge/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "verify" || parts[0] == "" {
		h.writeErrorWithRequest(w, r, http.StatusNotFound, "SOUL_NOT_FOUND", "unknown resource", nil)
		return
	}
	challengeID := parts[0]

	var input struct {
		DID       string `json:"did"` // optional caller-declared subject
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "SOUL_VALIDATION", "invalid JSON body", nil)
		return
	}

	outcome, err := h.challenges.Complete(r.Context(), challengeID, input.DID, input.Signature)
	if err != nil {
		challengeValidationCount.WithLabelValues(validationResult(err)).Inc()
		h.writeEngineError(w, r, err)
		return
	}
	challengeValidationCount.WithLabelValues("success").Inc()

	data := map[string]any{
		"did":               outcome.DID,
		"verified":          outcome.Verified,
		"verifiedAt":        outcome.VerifiedAt,
		"verificationCount": outcome.VerificationCount,
	}
	if token, ok := h.mintProofToken(outcome); ok {
		data["proofToken"] = token
	}
	payload := h.writeSuccess(w, http.StatusOK, data, nil, r)
	h.remember(r, w, http.StatusOK, payload)
	h.logger.Info("challenge verified", "did", outcome.DID, "correlationId", correlationIDFrom(r.Context()))
}

func validationResult(err error) string {
	switch registry.KindOf(err) {
	case registry.KindChallengeExpired:
		return "expired"
	case registry.KindChallengeUsed:
		return "replay"
	case registry.KindInvalidSignature:
		return "invalid"
	default:
		return "error"
	}
}

// writeEngineError maps a classified registry error to an HTTP status and
// wire code. Unclassified errors become 500s with no detail leaked.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := registry.KindOf(err)
	status, code := http.StatusInternalServerError, "SOUL_INTERNAL"
	switch kind {
	case registry.KindValidation:
		status, code = http.StatusBadRequest, "SOUL_VALIDATION"
	case registry.KindDIDMismatch:
		status, code = http.StatusBadRequest, "SOUL_DID_MISMATCH"
	case registry.KindNameTaken:
		status, code = http.StatusConflict, "SOUL_NAME_TAKEN"
	case registry.KindInvalidSignature:
		status, code = http.StatusUnauthorized, "SOUL_INVALID_SIGNATURE"
	case registry.KindNotFound:
		status, code = http.StatusNotFound, "SOUL_NOT_FOUND"
	case registry.KindTimestampExpired:
		status, code = http.StatusUnauthorized, "SOUL_TIMESTAMP_EXPIRED"
	case registry.KindConflict:
		status, code = http.StatusConflict, "SOUL_CONFLICT"
	case registry.KindChallengeNotFound:
		status, code = http.StatusNotFound, "SOUL_CHALLENGE_NOT_FOUND"
	case registry.KindChallengeExpired:
		status, code = http.StatusGone, "SOUL_CHALLENGE_EXPIRED"
	case registry.KindChallengeUsed:
		status, code = http.StatusConflict, "SOUL_CHALLENGE_USED"
	case registry.KindSubjectMismatch:
		status, code = http.StatusUnauthorized, "SOUL_SUBJECT_MISMATCH"
	}
	message := "internal server error"
	if kind != "" {
		message = err.Error()
	} else {
		h.logger.Error("operation failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
	h.writeErrorWithRequest(w, r, status, code, message, nil)
}

func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data any, meta any, r *http.Request) []byte {
	env := responseEnvelope{Data: data, Meta: meta}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write success failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
	return payload
}

func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	h.writeError(w, status, code, message, correlationIDFrom(r.Context()), details)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, correlationID string, details any) {
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, Details: details, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}
