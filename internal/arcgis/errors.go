package arcgis

import (
	"fmt"
	"strings"
)

// ServiceError is an error reported by a map service, either as a non-2xx
// status or as an {"error": ...} body on a 200 response.
type ServiceError struct {
	URL        string
	StatusCode int // HTTP status
	Code       int // code from the error body, 0 if none
	Message    string
	Details    []string
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "map service error (status %d", e.StatusCode)
	if e.Code != 0 {
		fmt.Fprintf(&b, ", code %d", e.Code)
	}
	fmt.Fprintf(&b, "): %s", e.Message)
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Details, "; "))
	}
	fmt.Fprintf(&b, " (%s)", e.URL)
	return b.String()
}
