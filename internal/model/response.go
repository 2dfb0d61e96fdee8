package model

// ListResponse is the standard envelope for list endpoints, wrapping results
// in a "resource" array with optional metadata.
type ListResponse struct {
	Resource any           `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta contains count information for list responses.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
// Reason is a stable machine-parseable code; Message is for humans.
type ErrorDetail struct {
	Code    int            `json:"code"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}
