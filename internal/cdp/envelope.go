package cdp

import "encoding/json"

// Message is the CDP wire envelope used in both directions. Command replies
// carry ID plus Result or Error; asynchronous notifications carry Method and
// Params with no ID.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error payload of a failed command reply.
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// IsReply reports whether the message correlates to an outstanding command.
func (m *Message) IsReply() bool {
	return m.ID != 0 && m.Method == ""
}
