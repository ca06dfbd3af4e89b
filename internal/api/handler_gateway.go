package api

import (
	"net/http"

	"github.com/worldgate/worldgate/internal/auth"
	"github.com/worldgate/worldgate/internal/dispatch"
	"github.com/worldgate/worldgate/internal/model"
)

// HandleGateway returns the handler for POST /gateway: authenticate the
// envelope, then execute the command batch. Authentication and batch
// validation failures reject the whole request; per-command store failures
// surface in the index-aligned result arrays with a 200.
func HandleGateway(authn *auth.Authenticator, disp *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.GatewayRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		if err := authn.Authenticate(r.Context(), &req); err != nil {
			writeGatewayError(w, err)
			return
		}

		resp, err := disp.Execute(r.Context(), req.WorldInstanceID, &req.Commands)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
