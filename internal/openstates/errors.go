package openstates

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ErrBillNotFound = errors.New("openstates returned no bill")

var retryableGraphQLMessage = regexp.MustCompile(`(?i)rate limit|timeout`)

// HTTPStatusError is a non-2xx response from the GraphQL endpoint.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openstates request failed (%d)", e.StatusCode)
}

func (e *HTTPStatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// GraphQLError carries the messages of a response's "errors" array.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "openstates error: " + strings.Join(e.Messages, "; ")
}

func (e *GraphQLError) Temporary() bool {
	for _, message := range e.Messages {
		if retryableGraphQLMessage.MatchString(message) {
			return true
		}
	}
	return false
}

func (e *GraphQLError) unknownArgument(name string) bool {
	needle := fmt.Sprintf("Unknown argument %q", name)
	for _, message := range e.Messages {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}

type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return "network error contacting openstates: " + e.err.Error()
}

func (e *transportError) Unwrap() error { return e.err }

func (e *transportError) Temporary() bool { return true }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) {
		return temporary.Temporary()
	}
	return false
}

func isUnknownArgument(err error, name string) bool {
	var gqlErr *GraphQLError
	return errors.As(err, &gqlErr) && gqlErr.unknownArgument(name)
}
