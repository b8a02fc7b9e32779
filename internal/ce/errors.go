package ce

import "errors"

// Domain errors for the ce package.
var (
	// ErrIllegalTransition is returned when the current state is not a
	// legal source of the transition. The state is left unchanged.
	ErrIllegalTransition = errors.New("ce: illegal transition")

	// ErrUnknownTransition is returned for a transition the device does
	// not declare.
	ErrUnknownTransition = errors.New("ce: unknown transition")

	// ErrTransitionExists is returned when declaring a transition twice.
	ErrTransitionExists = errors.New("ce: transition already declared")

	// ErrDeviceNotFound is returned when a device id is not in the tree.
	ErrDeviceNotFound = errors.New("ce: device not found")

	// ErrAlreadyArmored is returned when Armor runs twice.
	ErrAlreadyArmored = errors.New("ce: already armored")

	// ErrDetached is returned for operations that need the device to be
	// part of an initialised engine.
	ErrDetached = errors.New("ce: device not attached to an engine")

	// ErrAlreadyAttached is returned when adding a device that has a parent.
	ErrAlreadyAttached = errors.New("ce: device already has a parent")

	// ErrMalformedBlock is returned for truncated command blocks.
	ErrMalformedBlock = errors.New("ce: malformed command block")
)
