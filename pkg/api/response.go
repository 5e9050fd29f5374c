package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the standard API response wrapper. Every endpoint answers
// with one of these: accepted transactions carry the transaction id,
// query endpoints carry the records under Data, and failures carry an
// error string.
type Response struct {
	Status        string      `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// AcceptedResponse acknowledges an asynchronous transaction.
func AcceptedResponse(transactionID string) Response {
	return Response{
		Status:        "accepted",
		Timestamp:     time.Now().UTC(),
		TransactionID: transactionID,
	}
}

// OKResponse creates a successful response.
func OKResponse(data interface{}) Response {
	return Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ErrorResponse creates a failure response.
func ErrorResponse(errMsg string) Response {
	return Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
}
