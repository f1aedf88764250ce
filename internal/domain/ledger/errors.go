package ledger

import (
	"errors"
	"net/http"

	"github.com/medibook/medibook/internal/platform/apierr"
)

var (
	// ErrSlotUnavailable means another reservation holds the slot.
	ErrSlotUnavailable  = errors.New("slot is not available")
	ErrProviderNotFound = errors.New("provider not found")
	ErrDateNotOpen      = errors.New("date is not open for booking")
	ErrSlotNotFound     = errors.New("slot not found")
	ErrInvalidWindow    = errors.New("invalid slot window")
)

// ErrorRules classifies ledger errors for HTTP responses.
var ErrorRules = []apierr.Rule{
	{Target: ErrSlotUnavailable, Class: apierr.Class{Kind: apierr.KindContention, Status: http.StatusConflict, Code: "slot_unavailable"}},
	{Target: ErrProviderNotFound, Class: apierr.Class{Kind: apierr.KindNotFound, Status: http.StatusNotFound, Code: "provider_not_found"}},
	{Target: ErrDateNotOpen, Class: apierr.Class{Kind: apierr.KindNotFound, Status: http.StatusNotFound, Code: "date_not_open"}},
	{Target: ErrSlotNotFound, Class: apierr.Class{Kind: apierr.KindNotFound, Status: http.StatusNotFound, Code: "slot_not_found"}},
	{Target: ErrInvalidWindow, Class: apierr.Class{Kind: apierr.KindValidation, Status: http.StatusBadRequest, Code: "invalid_window"}},
}
