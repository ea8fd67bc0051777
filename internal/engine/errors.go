package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
)

// ErrConfiguration marks the class of failures detected before any side
// effect: cycles, unresolved references, invalid attribute values. Callers
// match the class with errors.Is(err, ErrConfiguration).
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError wraps a load or validation failure into the
// fail-fast class.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// CyclicDependencyError reports a reference cycle. Cycle holds the
// addresses along the loop with the entry point repeated last.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrConfiguration }

// UnresolvedReferenceError reports an attribute or depends_on reference
// to a resource identity not declared in the configuration.
type UnresolvedReferenceError struct {
	Referrer string
	Subject  string
	Range    hcl.Range
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("%s references undeclared resource %q at %s", e.Referrer, e.Subject, e.Range)
}

func (e *UnresolvedReferenceError) Is(target error) bool { return target == ErrConfiguration }

// ProviderError reports the external API rejecting an operation on one
// resource. It is surfaced per node and never aborts independent branches.
type ProviderError struct {
	Address  string
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q failed for %s: %v", e.Provider, e.Address, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProvisionerError reports a side-effecting command failing with a
// non-zero exit or a timeout. ExitCode is -1 when the process did not run
// to completion.
type ProvisionerError struct {
	Address  string
	ExitCode int
	Err      error
}

func (e *ProvisionerError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("provisioner failed for %s (exit %d): %v", e.Address, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("provisioner failed for %s: %v", e.Address, e.Err)
}

func (e *ProvisionerError) Unwrap() error { return e.Err }

// exitCoder matches errors that carry a process exit status, such as the
// exec provider's command failures.
type exitCoder interface {
	ExitCode() int
}

// StateConflictError reports that the snapshot serial moved between read
// and write, meaning another run touched the state in the meantime.
type StateConflictError struct {
	Expected uint64
	Actual   uint64
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: snapshot serial is %d, expected %d; the state changed since it was read", e.Actual, e.Expected)
}
