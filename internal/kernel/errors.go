package kernel

import "github.com/pkg/errors"

// Error taxonomy shared by every accelerated layer.
var (
	// ErrUnsupportedConfig reports that a backend cannot serve a call.
	// Recovered by falling back to the reference kernel unless fallback is disabled.
	ErrUnsupportedConfig = errors.New("unsupported configuration")

	// ErrInvalidState reports a call that does not fit the instance's state:
	// backward without a matching forward, re-entrant calls, or a changed
	// element type after negotiation. Always fatal to the call.
	ErrInvalidState = errors.New("invalid state")
)

// Unsupported wraps ErrUnsupportedConfig with a formatted reason.
func Unsupported(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedConfig, format, args...)
}

// InvalidState wraps ErrInvalidState with a formatted reason.
func InvalidState(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidState, format, args...)
}
