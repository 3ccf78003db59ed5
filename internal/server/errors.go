package server

import "fmt"

// ValidationError marks a malformed event payload. The event is
// dropped and an error event goes to the sender only; the connection
// stays alive.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Reason)
}

func errMissingField(field string) *ValidationError {
	return &ValidationError{Reason: "missing " + field}
}

// AuthorizationError marks an event the sender's role does not
// permit. Rejected with an error event to the sender, zero
// deliveries to any room.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}
