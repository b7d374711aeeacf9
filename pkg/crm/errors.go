package crm

import "fmt"

// AuthError is a failed token acquisition or a request the CRM rejected as
// unauthorized. Body carries a fragment of the remote response for
// diagnostics.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("crm: auth failed (%d): %s", e.Status, e.Body)
}

// RemoteError is any other non-success response from the CRM API.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("crm: remote returned %d: %s", e.Status, e.Body)
}
