package kshim

import (
	"errors"
)

var (
	// ErrDoubleOverride means the symbol already has an active override.
	ErrDoubleOverride = errors.New("double override")
	// ErrOverrideNotFound means the handle does not refer to a live override.
	ErrOverrideNotFound = errors.New("override not found")
	// ErrStillInstalled means Destroy was called with the trampoline live;
	// freeing the backing storage then would leave the kernel running a
	// trampoline whose home no longer exists.
	ErrStillInstalled = errors.New("override still installed")
	// ErrDestroyed means the instance was destroyed and must not be touched.
	ErrDestroyed = errors.New("override destroyed")
	// ErrPatchProtect means a page protection change at the patch site
	// failed. This is fatal to the enclosing load operation, never retried.
	ErrPatchProtect = errors.New("patch site protection change failed")
)
