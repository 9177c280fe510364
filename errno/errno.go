// Package errno defines the POSIX-style error vocabulary every exported
// operation in this module returns: ENOSPC, EBADF, ENOENT, ENOTEMPTY,
// ENAMETOOLONG, EPERM, EINVAL, EFBIG, wrapped in a DriverError that carries
// an optional human-readable message alongside the raw errno.
package errno

import (
	"fmt"
	"syscall"
)

// DriverError wraps a system errno code with a customizable message, the
// error type this module's operations return for errno-kind failures.
// I/O errors from the underlying device are returned as they come.
type DriverError struct {
	ErrnoCode syscall.Errno
	message   string
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.ErrnoCode.Error()
}

// Unwrap lets callers use errors.Is against the raw syscall.Errno value.
// The bridge's FUSE error translation does not use it; it type-asserts
// *DriverError directly.
func (e *DriverError) Unwrap() error {
	return e.ErrnoCode
}

// New creates a DriverError with a default message derived from errnoCode.
func New(errnoCode syscall.Errno) *DriverError {
	return &DriverError{ErrnoCode: errnoCode, message: errnoCode.Error()}
}

// Newf creates a DriverError from errnoCode with a formatted custom message.
func Newf(errnoCode syscall.Errno, format string, args ...any) *DriverError {
	return &DriverError{
		ErrnoCode: errnoCode,
		message:   fmt.Sprintf("%s: %s", errnoCode.Error(), fmt.Sprintf(format, args...)),
	}
}

// The error kinds this module's operations can return, named after the
// syscall.Errno values the bridge reports to the kernel.
var (
	ErrNoSpace      = New(syscall.ENOSPC)
	ErrBadFd        = New(syscall.EBADF)
	ErrNotFound     = New(syscall.ENOENT)
	ErrNotEmpty     = New(syscall.ENOTEMPTY)
	ErrNameTooLong  = New(syscall.ENAMETOOLONG)
	ErrNotPermitted = New(syscall.EPERM)
	ErrInvalid      = New(syscall.EINVAL)
	ErrTooBig       = New(syscall.EFBIG)
	ErrExists       = New(syscall.EEXIST)
	ErrNotDir       = New(syscall.ENOTDIR)
	ErrIsDir        = New(syscall.EISDIR)
)

// Corrupt is a non-errno diagnostic kind used only by the diag package's
// consistency checker; it never crosses the bridge boundary.
type Corrupt string

func (c Corrupt) Error() string { return string(c) }

const ErrCorruptBitmap = Corrupt("bitmap bit clear for a reachable block")
const ErrCorruptDirent = Corrupt("directory length not a multiple of the entry size")
