package app

// DomainError carries an HTTP status and a stable machine-readable code so
// handlers can map service failures onto the wire format without inspecting
// message text. Details holds optional structured context, such as the
// offending ids of a rejected reorder batch.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
