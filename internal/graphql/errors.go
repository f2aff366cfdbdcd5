package graphql

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NotLoggedInCode is the error number the site answers with once the session
// cookies are no longer accepted.
const NotLoggedInCode = 1357001

var (
	// ErrNotLoggedIn is returned when the server rejects the session.
	ErrNotLoggedIn = errors.New("graphql: not logged in")

	// ErrNoSuccessfulResults is returned when a batch summary reports zero
	// successful sub-queries and no errors.
	ErrNoSuccessfulResults = errors.New("graphql: no successful results")

	// ErrNoSequenceID is returned when the thread list answer carries no
	// sync_sequence_id.
	ErrNoSequenceID = errors.New("graphql: no sync_sequence_id in response")
)

// QueryError is a structured error reported by the server, either through a
// batch summary with error_results or an error object in a plain response.
// Callers can use errors.As to extract it:
//
//	var qe *graphql.QueryError
//	if errors.As(err, &qe) { ... }
type QueryError struct {
	DocID       string          `json:"-"`
	Code        int             `json:"error"`
	Summary     string          `json:"errorSummary"`
	Description string          `json:"errorDescription"`
	Raw         json.RawMessage `json:"-"`
}

func (e *QueryError) Error() string {
	if e.DocID != "" {
		if e.Summary == "" && len(e.Raw) > 0 {
			return fmt.Sprintf("graphql: doc %s: %s", e.DocID, truncate(string(e.Raw), 200))
		}
		return fmt.Sprintf("graphql: doc %s: %s (%d)", e.DocID, e.Summary, e.Code)
	}
	return fmt.Sprintf("graphql: %s (%d): %s", e.Summary, e.Code, e.Description)
}

// SchemaError is returned when a response for a known document id does not
// have the shape that document is expected to produce. It usually means the
// server retired or changed the query behind the id.
type SchemaError struct {
	DocID string
	Path  string
	Err   error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("graphql: stale protocol for doc %s at %s: %v", e.DocID, e.Path, e.Err)
	}
	return fmt.Sprintf("graphql: stale protocol for doc %s at %s", e.DocID, e.Path)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// HTTPError reports a non-2xx HTTP status.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("graphql: %s returned status %d", e.URL, e.StatusCode)
}

// IsStaleProtocol reports whether err is a *SchemaError.
func IsStaleProtocol(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsHTTPStatus reports whether err is an *HTTPError with the given status.
func IsHTTPStatus(err error, status int) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == status
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
