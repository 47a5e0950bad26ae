package web

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/hpungsan/carchat/internal/errors"
)

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderError writes err as JSON for API routes and as a small HTML page
// for browser routes. Internal causes are not exposed.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var chatErr *errors.ChatError
	if !stderrors.As(err, &chatErr) {
		chatErr = errors.NewInternal(err)
	}

	status := chatErr.Status
	message := chatErr.Message
	if chatErr.Code == errors.ErrInternal {
		message = "an internal error occurred"
	}

	if strings.HasPrefix(r.URL.Path, "/api/") || strings.Contains(r.Header.Get("Accept"), "application/json") {
		renderJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":    string(chatErr.Code),
				"message": message,
				"status":  status,
			},
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><title>Erro %d</title></head><body><h1>Erro %d</h1><p>%s</p></body></html>\n",
		status, status, template.HTMLEscapeString(message))
}
