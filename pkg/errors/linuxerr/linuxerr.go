// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains the error codes returned by the enclave memory
// manager, exported as error interface pointers. This allows for fast
// comparison and return operations comparable to unix.Errno constants.
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/sgxemm/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct (these are *errors.Error), they
// are not directly comparable; use Equals, or compare Errno() against the
// unix constant.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	EIO                   = errors.New(unix.EIO, "I/O error")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
	EOVERFLOW             = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	ENOTSUP               = errors.New(unix.ENOTSUP, "operation not supported")
	ECANCELED             = errors.New(unix.ECANCELED, "operation canceled")
)

// byErrno maps an errno back to its error value for the codes the memory
// manager uses.
var byErrno = map[unix.Errno]*errors.Error{
	unix.EPERM:     EPERM,
	unix.ENOENT:    ENOENT,
	unix.EINTR:     EINTR,
	unix.EIO:       EIO,
	unix.EAGAIN:    EAGAIN,
	unix.ENOMEM:    ENOMEM,
	unix.EACCES:    EACCES,
	unix.EFAULT:    EFAULT,
	unix.EBUSY:     EBUSY,
	unix.EEXIST:    EEXIST,
	unix.EINVAL:    EINVAL,
	unix.ENOSPC:    ENOSPC,
	unix.ERANGE:    ERANGE,
	unix.ENOSYS:    ENOSYS,
	unix.EOVERFLOW: EOVERFLOW,
	unix.ENOTSUP:   ENOTSUP,
	unix.ECANCELED: ECANCELED,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// dedicated value are wrapped in a fresh *errors.Error.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := byErrno[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// Errno extracts the errno carried by err: an *errors.Error, a bare
// unix.Errno, or anything wrapping one of those. It returns 0 for nil and
// EIO for any other error.
func Errno(err error) unix.Errno {
	switch e := err.(type) {
	case nil:
		return 0
	case *errors.Error:
		return e.Errno()
	case unix.Errno:
		return e
	case interface{ Unwrap() error }:
		return Errno(e.Unwrap())
	default:
		return unix.EIO
	}
}

// Name returns the symbolic name (such as "EINVAL") of the errno carried by
// err, or "" for nil.
func Name(err error) string {
	errno := Errno(err)
	if errno == 0 {
		return ""
	}
	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return fmt.Sprintf("errno(%d)", int(errno))
}

// maxErrno bounds the errno numbers scanned for names.
const maxErrno = 4096

// byName maps errno names, including aliases ErrnoName never returns, to
// errnos.
var byName = func() map[string]unix.Errno {
	m := map[string]unix.Errno{
		"ENOTSUP":     unix.ENOTSUP,
		"EWOULDBLOCK": unix.EWOULDBLOCK,
		"EDEADLOCK":   unix.EDEADLOCK,
	}
	for i := 1; i < maxErrno; i++ {
		if name := unix.ErrnoName(unix.Errno(i)); name != "" {
			m[name] = unix.Errno(i)
		}
	}
	return m
}()

// FromName is the inverse of Name. It returns nil if name is not an errno
// name.
func FromName(name string) error {
	errno, ok := byName[name]
	if !ok {
		return nil
	}
	return ErrorFromUnix(errno)
}
