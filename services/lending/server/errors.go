package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"lendmarket/native/bank"
	nativecommon "lendmarket/native/common"
	"lendmarket/native/lending"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps an engine failure onto an HTTP status and a stable code.
// Unknown failures are reported as internal errors without their message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, lending.ErrMarketNotListed):
		return http.StatusNotFound, "market_not_listed"
	case errors.Is(err, lending.ErrMarketListed):
		return http.StatusConflict, "market_listed"
	case errors.Is(err, lending.ErrPaused), errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, lending.ErrInvalidAmount), errors.Is(err, lending.ErrInvalidParameter):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, lending.ErrSelfLiquidation):
		return http.StatusBadRequest, "self_liquidation"
	case errors.Is(err, lending.ErrPriceUnavailable), errors.Is(err, lending.ErrPriceStale):
		return http.StatusServiceUnavailable, "price_unavailable"
	case errors.Is(err, lending.ErrNoShortfall):
		return http.StatusConflict, "no_shortfall"
	case errors.Is(err, bank.ErrReferenceReused):
		return http.StatusConflict, "deposit_reference_reused"
	case errors.Is(err, bank.ErrInvalidAmount), errors.Is(err, bank.ErrOverflow):
		return http.StatusBadRequest, "invalid_argument"
	}
	switch lending.KindOf(err) {
	case lending.KindAuthorization:
		return http.StatusForbidden, "unauthorized"
	case lending.KindLiquidity:
		return http.StatusUnprocessableEntity, "insufficient_liquidity"
	case lending.KindConfiguration:
		return http.StatusUnprocessableEntity, "failed_precondition"
	case lending.KindOracle:
		return http.StatusUnprocessableEntity, "numeric_error"
	case lending.KindLiquidation:
		return http.StatusUnprocessableEntity, "liquidation_rejected"
	case lending.KindReentrancy:
		return http.StatusConflict, "reentrant"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	kind := lending.KindOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, r, status, errorDetail{Code: code, Kind: kindLabel(kind), Message: message})
}

func kindLabel(kind lending.ErrorKind) string {
	if kind == lending.KindUnknown {
		return ""
	}
	return kind.String()
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeError(w, r, status, errorDetail{Code: code, Message: message})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail errorDetail) {
	if detail.Message == "" {
		detail.Message = http.StatusText(status)
	}
	detail.RequestID = RequestID(r.Context())
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
