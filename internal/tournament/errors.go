package tournament

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument is returned for malformed or out-of-range command input.
	// Nothing is provisioned when it is returned.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotATournamentChannel is returned when a scale command runs outside a tournament category
	ErrNotATournamentChannel = errors.New("not a tournament channel")

	// ErrNotFound is returned when no tournament matches the requested name
	ErrNotFound = errors.New("tournament not found")

	// ErrNameTaken is returned when a live tournament in the guild already uses the name
	ErrNameTaken = errors.New("tournament name already in use")
)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ProvisioningError describes one failed call to the provisioner
type ProvisioningError struct {
	Op     string // e.g. "create voice channel", "delete channel"
	Target string // channel name or ID the call was about
	Err    error

	// Orphaned lists resources a failed create left behind. They are not rolled back.
	Orphaned []string
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	if len(e.Orphaned) > 0 {
		msg += fmt.Sprintf(" (orphaned: %s)", strings.Join(e.Orphaned, ", "))
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// CleanupReport is the outcome of a best-effort teardown
type CleanupReport struct {
	CategoryID string
	Name       string
	Deleted    int
	Failures   []*ProvisioningError
}

// Complete reports whether every deletion succeeded
func (r *CleanupReport) Complete() bool {
	return len(r.Failures) == 0
}

// Err joins the individual failures, or returns nil when the teardown was complete
func (r *CleanupReport) Err() error {
	if r.Complete() {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func (r *CleanupReport) fail(op, target string, err error) {
	r.Failures = append(r.Failures, &ProvisioningError{Op: op, Target: target, Err: err})
}
