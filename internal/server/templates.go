package server

import (
	_ "embed"
	"html/template"
	"net/http"

	"github.com/sellista/authbroker/internal/log"
)

//go:embed templates/popup.html
var popupTemplateHTML string

var popupTemplate = template.Must(template.New("popup").Parse(popupTemplateHTML))

// PopupResult is the one-shot message posted to the window that opened a
// connect popup. The opener matches on RequestID and tears its listener down
// after the first message.
type PopupResult struct {
	Type string          `json:"type"`
	Data PopupResultData `json:"data"`
}

// PopupResultData carries the outcome of a connect flow.
type PopupResultData struct {
	OK        bool   `json:"ok"`
	Provider  string `json:"provider"`
	RequestID string `json:"requestId,omitempty"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type popupPageData struct {
	Payload PopupResult
	Origin  string
}

// renderPopup writes the self-closing popup page. The message is posted to
// the broker's own origin, never "*": the opener is the page that started
// the flow, and anything else must not receive the result.
func renderPopup(w http.ResponseWriter, status int, origin string, data PopupResultData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	page := popupPageData{
		Payload: PopupResult{Type: "oauth:" + data.Provider, Data: data},
		Origin:  origin,
	}
	if err := popupTemplate.Execute(w, page); err != nil {
		log.LogError("Failed to render popup page: %v", err)
	}
}
