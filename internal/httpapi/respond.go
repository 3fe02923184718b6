package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sremani/artifortress/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorBody struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	Field           string `json:"field,omitempty"`
	ExpectedDigest  string `json:"expected_digest,omitempty"`
	ActualDigest    string `json:"actual_digest,omitempty"`
	ExpectedLength  int64  `json:"expected_length,omitempty"`
	ActualLength    int64  `json:"actual_length,omitempty"`
}

// writeError renders err per §7: every handler error must be (or wrap) an
// *apierr.Error; anything else is a bug and surfaces as 500.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := apierr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
		return
	}
	body := errorBody{Error: ae.Code, Message: ae.Message, Field: ae.Field}
	if ae.HasVerification {
		body.ExpectedDigest = ae.ExpectedDigest
		body.ActualDigest = ae.ActualDigest
		body.ExpectedLength = ae.ExpectedLength
		body.ActualLength = ae.ActualLength
	}
	writeJSON(w, ae.Kind.HTTPStatus(), body)
}

func decodeJSON(r *http.Request, v interface{}) *apierr.Error {
	if r.Body == nil {
		return apierr.Validation("body", "request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Validation("body", "invalid JSON body: "+err.Error())
	}
	return nil
}
