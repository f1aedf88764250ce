// Package apierr renders domain failures as the JSON error body shared by
// every handler: {"error": ..., "code": ..., "retryable": ...}.
package apierr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/auth"
)

// Kind groups failures by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindContention
	KindPolicy
	KindNotFound
	KindValidation
)

var kindNames = [...]string{"internal", "contention", "policy", "not_found", "validation"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Retryable reports whether repeating the request, possibly with different
// input, can succeed.
func (k Kind) Retryable() bool { return k == KindContention }

// Class is the HTTP rendering of one error.
type Class struct {
	Kind   Kind
	Status int
	Code   string
}

// Internal is the fallback class for unrecognised errors.
var Internal = Class{Kind: KindInternal, Status: http.StatusInternalServerError, Code: "internal"}

// Body is the JSON error payload.
type Body struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// Rule maps a sentinel error to its class.
type Rule struct {
	Target error
	Class  Class
}

// Match returns the class of the first rule whose target err wraps.
func Match(err error, rules []Rule) Class {
	for _, r := range rules {
		if errors.Is(err, r.Target) {
			return r.Class
		}
	}
	return Internal
}

// Write renders err with class cl. Internal errors hide their message from
// the caller and are logged through the request's zerolog logger instead.
func Write(c echo.Context, cl Class, err error) error {
	msg := err.Error()
	if cl.Kind == KindInternal {
		req := c.Request()
		evt := zerolog.Ctx(req.Context()).Error().Err(err).
			Str("method", req.Method).
			Str("path", req.URL.Path)
		if p, ok := auth.PrincipalFromContext(req.Context()); ok {
			evt = evt.Str("user_id", p.UserID)
		}
		evt.Msg("internal error")
		msg = http.StatusText(http.StatusInternalServerError)
	}
	return c.JSON(cl.Status, Body{Error: msg, Code: cl.Code, Retryable: cl.Kind.Retryable()})
}

// Validation renders a 400 for malformed input.
func Validation(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, Body{Error: msg, Code: "invalid_request"})
}
