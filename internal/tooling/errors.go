package tooling

import (
	"fmt"
	"strings"
	"time"
)

// NotFoundError means the requested tool is absent from the registry
// snapshot.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Tool)
}

// SchemaError means the arguments failed the tool's declared schema before
// any provider was contacted.
type SchemaError struct {
	Tool   string
	Fields []string
}

func (e *SchemaError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("tool %q: arguments failed schema validation", e.Tool)
	}
	return fmt.Sprintf("tool %q: invalid arguments: %s", e.Tool, strings.Join(e.Fields, ", "))
}

// TimeoutError means the provider did not answer within the tool's
// configured timeout. Distinct from ProviderFailure so callers can tell a
// slow dependency from a broken one.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}

// ProviderFailure means the provider answered with an error: a non-2xx
// HTTP status, a transport fault, or an unregistered local callable.
type ProviderFailure struct {
	Tool   string
	Status int
	Detail string
}

func (e *ProviderFailure) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tool %q: provider returned status %d: %s", e.Tool, e.Status, e.Detail)
	}
	return fmt.Sprintf("tool %q: provider failed: %s", e.Tool, e.Detail)
}
