package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any, err error) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
		Err:     err,
	}
}
