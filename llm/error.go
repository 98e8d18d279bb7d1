package llm

import "fmt"

// ResponseError is a semantic error reported by the upstream, as opposed to a
// transport-level failure.
type ResponseError struct {
	StatusCode int                 `json:"status_code"`
	Detail     ResponseErrorDetail `json:"error"`
}

type ResponseErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	if e.Detail.Code != "" {
		return fmt.Sprintf("%s: %s", e.Detail.Code, e.Detail.Message)
	}

	return e.Detail.Message
}
