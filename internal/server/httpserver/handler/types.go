package handler

import (
	"time"

	"github.com/yndnr/lockmesh-go/internal/dlm"
)

// Response is the standard API response envelope.
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string   `json:"status"`
	Node       uint8    `json:"node"`
	Time       string   `json:"time"`
	Domains    int      `json:"domains"`
	Recovering []string `json:"recovering,omitempty"`
}

// NodeStatus is one row of GET /v1/nodes.
type NodeStatus struct {
	ID        uint8  `json:"id"`
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Self      bool   `json:"self"`
	Alive     bool   `json:"alive"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Initiator bool   `json:"initiator"`
	Attempts  int    `json:"connect_attempts"`
	Pending   int    `json:"pending_sends"`
	Error     string `json:"error,omitempty"`
}

// NodesResponse is the body of GET /v1/nodes.
type NodesResponse struct {
	Self      uint8        `json:"self"`
	Live      string       `json:"live"`
	Reachable string       `json:"reachable"`
	Nodes     []NodeStatus `json:"nodes"`
}

// RecoveryResponse is the body of GET /v1/domains/{name}/recovery.
type RecoveryResponse = dlm.RecoveryStatus
