package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/worldgate/worldgate/internal/model"
)

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	WriteError(w, http.StatusBadRequest, model.CodeValidation, err.Error())
}

// writeGatewayError maps gateway errors to HTTP response codes. Auth failures
// are 401, validation failures 400, everything else is a server-side fault.
func writeGatewayError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}

	var gwErr *model.GatewayError
	if errors.As(err, &gwErr) {
		var status int
		switch {
		case strings.HasPrefix(gwErr.Code, "AUTH_"):
			status = http.StatusUnauthorized
		case gwErr.Code == model.CodeValidation:
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
		WriteError(w, status, gwErr.Code, gwErr.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}
