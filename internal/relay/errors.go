package relay

import "sealdm/internal/domain"

// Wire error codes carried in the JSON body of non-2xx responses.
const (
	CodeNotFound     = "not_found"
	CodeNotSender    = "not_sender"
	CodeForbidden    = "forbidden"
	CodeDeleted      = "deleted"
	CodeConflict     = "conflict"
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
	CodeTooLarge     = "too_large"
	CodeInternal     = "internal"
)

// ErrorBody is the JSON shape of a relay error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusError is returned for any non-2xx relay response.
type StatusError struct {
	Method string
	Path   string
	Status string
	Code   int
	Body   ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body.Error != "" {
		return "relay " + e.Method + " " + e.Path + ": " + e.Status + ": " + e.Body.Error
	}
	return "relay " + e.Method + " " + e.Path + ": " + e.Status
}

// Unwrap maps the wire code onto the domain sentinels. 5xx responses count
// as network failures so callers retry them.
func (e *StatusError) Unwrap() error {
	switch e.Body.Code {
	case CodeNotFound:
		return domain.ErrNotFound
	case CodeNotSender:
		return domain.ErrNotSender
	case CodeDeleted:
		return domain.ErrDeleted
	case CodeUnauthorized:
		return domain.ErrUnauthorized
	}
	if e.Code >= 500 {
		return domain.ErrNetwork
	}
	return nil
}
