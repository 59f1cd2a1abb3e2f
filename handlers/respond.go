package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/models"
)

// ErrResponse is the failure body shared by all endpoints.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`
	RetryAfter     int   `json:"-"`

	Success           bool             `json:"success"`
	ErrorText         string           `json:"error"`
	Code              models.ErrorKind `json:"code,omitempty"`
	RetryAfterSeconds int              `json:"retryAfterSeconds,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// errResponse maps err onto its wire form. Internal errors keep their detail
// in Err and expose only the generic message.
func errResponse(err error) *ErrResponse {
	kind := models.KindOf(err)
	resp := &ErrResponse{
		Err:            err,
		HTTPStatusCode: kind.HTTPStatus(),
		ErrorText:      models.PublicMessage(err),
		Code:           kind,
	}
	var e *models.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		resp.RetryAfter = secs
		resp.RetryAfterSeconds = secs
	}
	return resp
}

// invalidRequest is a 400 carrying message verbatim.
func invalidRequest(message string) *models.Error {
	return &models.Error{Kind: models.KindInvalidFormat, Message: message}
}

// writeError renders err and reports internal failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errResponse(err)
	if resp.Code == models.KindServerInternal {
		reportInternal(r, err)
	}
	_ = render.Render(w, r, resp)
}

func reportInternal(r *http.Request, err error) {
	logger.Error("Request failed", map[string]interface{}{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
		"error":      err,
	})
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}
