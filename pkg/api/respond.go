package api

import (
	"encoding/json"
	"net/http"

	"github.com/foundryci/buildctl/pkg/apierr"
	"github.com/foundryci/buildctl/pkg/log"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// errorBody is the JSON shape every non-2xx response carries. Message
// is always the sanitized apierr.Error message — secrets never reach
// this layer per §7.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps err to its wire status via apierr and logs it: 5xx
// errors at Error level with the full error including any wrapped
// cause, 4xx rejections at Debug level with only their kind.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusCode(err)
	kind := apierr.KindOf(err)

	logger := log.WithComponent("api")
	if status >= 500 {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	} else {
		logger.Debug().Str("kind", string(kind)).Msg("request rejected")
	}

	writeJSON(w, status, errorBody{Error: apierr.Message(err), Kind: string(kind)})
}
