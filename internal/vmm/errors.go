package vmm

import "errors"

var (
	// ErrAlreadyExists is returned by Create when the name is taken. The
	// existing VM has to be deleted before its name can be reused.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrUnknownVM is returned when no VM with the given name is persisted
	// for the owner.
	ErrUnknownVM = errors.New("unknown vm")

	// ErrIncompatibleConfig is returned by SetConfig when the new config
	// differs in a property the backend cannot apply to an existing VM.
	ErrIncompatibleConfig = errors.New("incompatible config")

	// ErrInvalidState is returned when an operation is not valid in the
	// session's current lifecycle state.
	ErrInvalidState = errors.New("invalid session state")
)
