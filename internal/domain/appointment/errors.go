package appointment

import (
	"errors"
	"net/http"

	"github.com/medibook/medibook/internal/domain/emergency"
	"github.com/medibook/medibook/internal/domain/ledger"
	"github.com/medibook/medibook/internal/platform/apierr"
)

var (
	ErrNotFound                  = errors.New("appointment not found")
	ErrCancellationWindowExpired = errors.New("cancellation window has expired")
	ErrNotAuthorized             = errors.New("not authorized for this transition")
	ErrInvalidTransition         = errors.New("invalid state transition")
	ErrInvalidRequest            = errors.New("invalid request")
)

var errorRules = append([]apierr.Rule{
	{Target: ErrNotFound, Class: apierr.Class{Kind: apierr.KindNotFound, Status: http.StatusNotFound, Code: "appointment_not_found"}},
	{Target: ErrCancellationWindowExpired, Class: apierr.Class{Kind: apierr.KindPolicy, Status: http.StatusUnprocessableEntity, Code: "cancellation_window_expired"}},
	{Target: ErrNotAuthorized, Class: apierr.Class{Kind: apierr.KindPolicy, Status: http.StatusForbidden, Code: "not_authorized_for_transition"}},
	{Target: ErrInvalidTransition, Class: apierr.Class{Kind: apierr.KindPolicy, Status: http.StatusConflict, Code: "invalid_state_transition"}},
	{Target: ErrInvalidRequest, Class: apierr.Class{Kind: apierr.KindValidation, Status: http.StatusBadRequest, Code: "invalid_request"}},
	{Target: emergency.ErrInvalidLocation, Class: apierr.Class{Kind: apierr.KindValidation, Status: http.StatusBadRequest, Code: "invalid_request"}},
}, ledger.ErrorRules...)

// Classify maps an error returned by the service to its HTTP rendering.
func Classify(err error) apierr.Class {
	return apierr.Match(err, errorRules)
}
