package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
)

// errorBody is the uniform error envelope. Callers only ever see VALIDATION
// or INTERNAL; internal kinds are collapsed and logged under the request's
// correlation id.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	} `json:"error"`
}

// pagination is the standard page metadata block.
type pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

// writeValidationError surfaces a caller mistake with a 4xx.
func writeValidationError(w http.ResponseWriter, message, detail string) {
	var body errorBody
	body.Error.Kind = string(fault.KindValidation)
	body.Error.Message = message
	body.Error.Detail = detail
	writeJSON(w, http.StatusBadRequest, body)
}

// writeInternalError hides the real kind behind INTERNAL and logs the cause
// under the request id so operators can correlate.
func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestIDFrom(r.Context())
	log.Error().Err(err).Str("request_id", reqID).Str("kind", string(fault.KindOf(err))).
		Str("path", r.URL.Path).Msg("request failed")

	var body errorBody
	body.Error.Kind = "INTERNAL"
	body.Error.Message = "internal error"
	body.Error.Detail = "correlation_id=" + reqID
	writeJSON(w, http.StatusInternalServerError, body)
}
