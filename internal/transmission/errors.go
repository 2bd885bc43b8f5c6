package transmission

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// HTTPError is a non-2xx answer from the ingestion service.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("HTTP %d %s", e.StatusCode, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// NetworkError is a failure to get any HTTP answer at all.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error contacting %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ClassifyTransport wraps err as a NetworkError when it came from the
// transport layer; anything else is returned unchanged.
func ClassifyTransport(rawURL string, err error) error {
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return &NetworkError{URL: rawURL, Err: err}
	}
	return err
}

// IsNetworkError reports whether err (or any error it wraps) is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Attempt records one endpoint/header-variant try.
type Attempt struct {
	Endpoint string
	WithKey  bool
	Err      error
}

func (a Attempt) String() string {
	variant := "without api key"
	if a.WithKey {
		variant = "with api key"
	}
	return fmt.Sprintf("%s (%s): %v", a.Endpoint, variant, a.Err)
}

// SendError aggregates every failed attempt of one Send call.
type SendError struct {
	Attempts []Attempt
}

func (e *SendError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.String())
	}
	return "all ingestion attempts failed: " + strings.Join(parts, "; ")
}

func (e *SendError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
