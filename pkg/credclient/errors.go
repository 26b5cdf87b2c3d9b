package credclient

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a resource does not exist on the credential
// service.
var ErrNotFound = errors.New("resource not found")

type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cred service error (%d): %s", e.Status, e.Message)
}
