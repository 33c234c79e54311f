package x402

import "fmt"

// PaymentError is a protocol-level payment failure carrying one of the
// defined error codes plus optional detail fields for logs.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError builds a PaymentError.
func NewPaymentError(code ErrorCode, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *PaymentError) WithDetail(key string, value any) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
