package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited means the platform flagged the account for querying too
	// frequently. No further request of that kind will succeed until the
	// quota resets, so the run aborts instead of retrying.
	ErrRateLimited = errors.New("rate limited by platform")

	// ErrSessionInvalid means a response came back as a login page where
	// structured data was expected. The session must be re-established.
	ErrSessionInvalid = errors.New("session invalid")
)

// ParseError reports a payload the parser could not make sense of. The crawl
// skips the offending key and keeps going.
type ParseError struct {
	Kind   string
	Key    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("parse %s %q: %s", e.Kind, e.Key, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Kind, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
