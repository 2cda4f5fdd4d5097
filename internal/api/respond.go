package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/karimbenali/billetcore/internal/apperrors"
)

const maxBodyBytes = 4 << 20

var validate = validator.New()

// ErrorResponse is the public error envelope. Messages are French and
// stable; error_id only appears on internal errors.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ErrorID string `json:"error_id,omitempty"`
	Details any    `json:"details,omitempty"`
}

// decodeJSONBody decodes and validates a JSON request body into dst.
func decodeJSONBody(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return apperrors.New(apperrors.CodeValidation, "corps de requête vide")
		default:
			return apperrors.Wrap(apperrors.CodeValidation, err, "corps JSON invalide")
		}
	}
	if dec.More() {
		return apperrors.New(apperrors.CodeValidation, "corps JSON invalide")
	}

	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
			return apperrors.New(apperrors.CodeValidation, "champs invalides").
				WithDetails(details)
		}
		return apperrors.Wrap(apperrors.CodeValidation, err, "champs invalides")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps any error onto the public envelope through the shared
// taxonomy. Unclassified errors become INTERNAL_ERROR with a fresh error id.
func writeError(w http.ResponseWriter, err error) {
	typed := apperrors.As(err)
	if typed == nil {
		typed = apperrors.Wrap(apperrors.CodeInternal, err, "unhandled error")
	}

	meta := apperrors.MetadataFor(typed.Code())
	resp := ErrorResponse{
		Code:    string(typed.Code()),
		Message: meta.PublicMessage,
		ErrorID: typed.ErrorID(),
	}
	if meta.DetailsAllowed {
		resp.Details = typed.Details()
	}

	if meta.HTTPStatus == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if resp.ErrorID != "" {
		w.Header().Set("X-Error-ID", resp.ErrorID)
	}
	writeJSON(w, meta.HTTPStatus, resp)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
