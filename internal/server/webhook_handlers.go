package server

import (
	"net/http"

	"github.com/oklog/ulid/v2"
	jsonwriter "github.com/sellista/authbroker/internal/json"
	"github.com/sellista/authbroker/internal/log"
	"github.com/sellista/authbroker/internal/storage"
	"github.com/sellista/authbroker/internal/urlutil"
	"github.com/sellista/authbroker/internal/webhook"
)

// WebhookHandlers serves the Meta platform callbacks required for app
// review: deauthorization and user data deletion. Both arrive as form posts
// carrying a signed_request parameter signed with the app secret.
type WebhookHandlers struct {
	store     storage.Store
	appSecret []byte
	baseURL   string
}

// NewWebhookHandlers creates webhook handlers for the given provider app
// secret.
func NewWebhookHandlers(store storage.Store, appSecret []byte, baseURL string) *WebhookHandlers {
	return &WebhookHandlers{
		store:     store,
		appSecret: appSecret,
		baseURL:   baseURL,
	}
}

// verifiedPayload parses and verifies the signed_request form field. It
// writes the error response itself and returns nil on failure.
func (h *WebhookHandlers) verifiedPayload(w http.ResponseWriter, r *http.Request) *webhook.Payload {
	if err := r.ParseForm(); err != nil {
		jsonwriter.WriteBadRequest(w, "Malformed form body")
		return nil
	}
	signedRequest := r.PostFormValue("signed_request")
	if signedRequest == "" {
		jsonwriter.WriteBadRequest(w, "Missing signed_request")
		return nil
	}

	payload, err := webhook.ParseSignedRequest(signedRequest, h.appSecret)
	if err != nil {
		log.LogWarnWithFields("webhook", "Rejected signed_request", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "Invalid signed_request")
		return nil
	}
	return payload
}

// DeauthorizeHandler removes every integration linked to the deauthorizing
// account. The webhook identifies the platform user id, not our user, so
// deletion is by account.
func (h *WebhookHandlers) DeauthorizeHandler(w http.ResponseWriter, r *http.Request) {
	payload := h.verifiedPayload(w, r)
	if payload == nil {
		return
	}

	if err := h.store.DeleteIntegrationsByAccount(r.Context(), "instagram", payload.UserID); err != nil {
		log.LogErrorWithFields("webhook", "Failed to delete integrations on deauthorize", map[string]any{
			"account": payload.UserID,
			"error":   err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to process deauthorization")
		return
	}

	log.LogInfoWithFields("webhook", "Processed deauthorization", map[string]any{
		"account": payload.UserID,
	})
	_ = jsonwriter.Write(w, map[string]any{"ok": true})
}

// DataDeletionHandler handles Meta's user data deletion callback. The reply
// must carry a status URL and a confirmation code the platform shows to the
// user.
func (h *WebhookHandlers) DataDeletionHandler(w http.ResponseWriter, r *http.Request) {
	payload := h.verifiedPayload(w, r)
	if payload == nil {
		return
	}

	if err := h.store.DeleteIntegrationsByAccount(r.Context(), "instagram", payload.UserID); err != nil {
		log.LogErrorWithFields("webhook", "Failed to delete integrations on data deletion", map[string]any{
			"account": payload.UserID,
			"error":   err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to process deletion request")
		return
	}

	confirmationCode := ulid.Make().String()
	log.LogInfoWithFields("webhook", "Processed data deletion request", map[string]any{
		"account":           payload.UserID,
		"confirmation_code": confirmationCode,
	})

	_ = jsonwriter.Write(w, map[string]any{
		"url":               urlutil.MustJoinPath(h.baseURL, "/api/webhooks/deletion-status") + "?code=" + confirmationCode,
		"confirmation_code": confirmationCode,
	})
}

// DeletionStatusHandler is the status URL returned by DataDeletionHandler.
// Deletion is synchronous, so any code that was issued is already complete.
func (h *WebhookHandlers) DeletionStatusHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		jsonwriter.WriteBadRequest(w, "Missing code parameter")
		return
	}
	_ = jsonwriter.Write(w, map[string]any{
		"confirmation_code": code,
		"status":            "complete",
	})
}
