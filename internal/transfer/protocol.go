package transfer

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// API version and entry point. Every relay operation goes through
// EndpointRelay with an action selector in the query string.
const (
	APIVersion     = "v1"
	EndpointRelay  = "/api/" + APIVersion + "/relay"
	EndpointHealth = "/healthz"
)

// Action selects the relay operation.
type Action string

const (
	ActionCreateSession Action = "create_session"
	ActionReady         Action = "ready"
	ActionUploadChunk   Action = "upload_chunk"
	ActionGetMeta       Action = "get_meta"
	ActionGetChunk      Action = "get_chunk"
	ActionConfirmChunk  Action = "confirm_chunk"
)

// Form and query field names.
const (
	FieldAction      = "action"
	FieldSessionID   = "session_id"
	FieldChunkIndex  = "chunk_index"
	FieldTotalChunks = "total_chunks"
	FieldFileName    = "file_name"
	FieldChunk       = "chunk"
)

// Machine readable failure codes carried in the reason or error field.
const (
	CodeInvalidSession   = "invalid_session"
	CodeTmpFull          = "tmp_full"
	CodeDiskFull         = "disk_full"
	CodeMissingField     = "missing_field"
	CodeInvalidIndex     = "invalid_index"
	CodeIndexOutOfRange  = "index_out_of_range"
	CodeTotalMismatch    = "total_mismatch"
	CodeChunkTooLarge    = "chunk_too_large"
	CodeSessionDrained   = "session_drained"
	CodeNotFound         = "not_found"
	CodeAllocationFailed = "allocation_failed"
	CodeStorageError     = "storage_error"
	CodeUnknownAction    = "unknown_action"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal_error"

	// CodeUnexpectedResponse is set by the client when an error reply is
	// not a relay envelope, e.g. from a proxy in front of the relay.
	CodeUnexpectedResponse = "unexpected_response"
)

// Response is the JSON envelope for every non-streaming reply.
type Response struct {
	OK          bool   `json:"ok"`
	SessionID   string `json:"session_id,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RelayError is a failure reported by the relay, with its HTTP status and
// machine readable code.
type RelayError struct {
	Status int
	Code   string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Status, e.Code)
}

// Backpressure reports whether the code asks the caller to retry later.
func Backpressure(code string) bool {
	return code == CodeTmpFull || code == CodeDiskFull
}

func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, code string) {
	WriteJSONResponse(w, statusCode, Response{OK: false, Error: code})
}

// WriteReasonResponse reports a rejection that the caller may act on, such
// as backpressure or an unknown session.
func WriteReasonResponse(w http.ResponseWriter, statusCode int, reason string) {
	WriteJSONResponse(w, statusCode, Response{OK: false, Reason: reason, Error: reason})
}
