package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/util"
)

const signatureHeader = "X-Hub-Signature-256"

// verifyHandler answers the WhatsApp webhook subscription challenge.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token == "" || !s.acceptsVerifyToken(r, token) {
		slog.Warn("Server.verifyHandler: verification rejected", "mode", mode, "token_set", token != "")
		writeJSONResponse(w, http.StatusForbidden, models.Failure("verification failed"))
		return
	}
	slog.Info("Server.verifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, challenge); err != nil {
		slog.Error("Server.verifyHandler: failed to write challenge", "error", err)
	}
}

func (s *Server) acceptsVerifyToken(r *http.Request, token string) bool {
	if s.opts.VerifyToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.VerifyToken)) == 1 {
		return true
	}
	return s.tokens != nil && s.tokens.MatchVerifyToken(r.Context(), token)
}

// webhookHandler accepts message events and enqueues every text message.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Failure("unreadable body"))
		return
	}
	if len(body) > maxWebhookBody {
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Failure("payload too large"))
		return
	}
	if s.opts.AppSecret != "" && !validSignature(s.opts.AppSecret, r.Header.Get(signatureHeader), body) {
		slog.Warn("Server.webhookHandler: signature mismatch", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Failure("invalid signature"))
		return
	}

	msgs, skipped, err := parseWebhook(body, s.now())
	if err != nil {
		slog.Warn("Server.webhookHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Failure("invalid payload"))
		return
	}
	if skipped > 0 {
		slog.Debug("Server.webhookHandler: skipped non-text messages", "count", skipped)
	}

	accepted := 0
	for _, msg := range msgs {
		if err := s.ingest.Submit(msg); err != nil {
			// A non-2xx makes the platform redeliver; dedup drops what was already queued.
			slog.Warn("Server.webhookHandler: enqueue failed", "message_id", msg.MessageID, "error", err)
			status := http.StatusInternalServerError
			if errors.Is(err, models.ErrQueueFull) {
				status = http.StatusServiceUnavailable
			}
			writeJSONResponse(w, status, models.Failure("message not accepted"))
			return
		}
		accepted++
	}
	slog.Debug("Server.webhookHandler: messages queued", "accepted", accepted)
	writeJSONResponse(w, http.StatusOK, models.Queued(accepted))
}

// validSignature checks a "sha256=<hex>" HMAC of the body.
func validSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// healthHandler reports liveness and the number of queued messages.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"queued":    s.ingest.Depth(),
	})
}

// authorized checks the operator bearer token. Operator endpoints are
// disabled when no token is configured.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.AdminToken == "" || s.operator == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Failure("not found"))
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
		writeJSONResponse(w, http.StatusUnauthorized, models.Failure("unauthorized"))
		return false
	}
	return true
}

// resetConversationHandler deletes a customer's conversation history.
func (s *Server) resetConversationHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	phone := util.NormalizePhone(r.PathValue("phone"))
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Failure("invalid phone number"))
		return
	}
	if err := s.operator.Reset(r.Context(), phone); err != nil {
		slog.Error("Server.resetConversationHandler: reset failed", "customer", phone, "error", err)
		status := http.StatusInternalServerError
		if models.IsKind(err, models.KindValidation) {
			status = http.StatusBadRequest
		}
		writeJSONResponse(w, status, models.Failure("reset failed"))
		return
	}
	slog.Info("Server.resetConversationHandler: conversation reset", "customer", phone)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"customer_phone": phone}))
}

// inFlightHandler reports whether a conversation loop is running for a customer.
func (s *Server) inFlightHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	phone := util.NormalizePhone(r.PathValue("phone"))
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Failure("invalid phone number"))
		return
	}
	run, ok := s.operator.InFlight(phone)
	result := map[string]interface{}{"customer_phone": phone, "in_flight": ok}
	if ok {
		result["run_id"] = run.ID
		result["started_at"] = run.StartedAt.UTC().Format(time.RFC3339)
		result["deadline"] = run.Deadline.UTC().Format(time.RFC3339)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}
