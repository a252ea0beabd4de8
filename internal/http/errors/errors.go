// Package errors centralizes HTTP error responses so handlers log the real
// failure while clients only ever see a generic message.
package errors

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// InternalError logs err with the request ID and answers 500 with a generic
// body. The underlying error never reaches the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logWith(r, "[ERROR]", message, err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// BadRequestError logs err and answers 400 with clientMessage, which is safe
// to show.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logWith(r, "[WARN]", "bad request", err)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

// LogError records a handler-side failure without writing a response, for
// best-effort work where the page should still render.
func LogError(r *http.Request, message string, err error) {
	logWith(r, "[ERROR]", message, err)
}

func logWith(r *http.Request, level, message string, err error) {
	requestID := middleware.GetReqID(r.Context())
	switch {
	case requestID != "" && err != nil:
		log.Printf("%s RequestID=%s: %s: %v", level, requestID, message, err)
	case requestID != "":
		log.Printf("%s RequestID=%s: %s", level, requestID, message)
	case err != nil:
		log.Printf("%s %s: %v", level, message, err)
	default:
		log.Printf("%s %s", level, message)
	}
}
