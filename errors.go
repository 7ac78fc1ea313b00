// Copyright 2018 Axel Wagner
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

package nbd

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	_ ErrorKind = iota
	// KindBadMagic means the peer sent a frame with the wrong magic number.
	// It is always fatal.
	KindBadMagic
	// KindProtocolViolation means the peer broke a mandatory rule of the
	// protocol. It is always fatal.
	KindProtocolViolation
	// KindUnsupportedOption is answered with an error reply.
	KindUnsupportedOption
	// KindExportNotFound is fatal for NBD_OPT_EXPORT_NAME only.
	KindExportNotFound
	// KindOutOfRange is a request beyond the export or its size limits,
	// answered with an error reply.
	KindOutOfRange
	// KindInvalidRequest is a request the export does not accept, answered
	// with an error reply.
	KindInvalidRequest
	// KindIO is a storage failure, answered with an error reply.
	KindIO
	// KindDecodeTooLarge means a length field exceeded its bound. It is
	// always fatal.
	KindDecodeTooLarge
	// KindShortBuffer means a buffer ended before the message did.
	KindShortBuffer
)

var kindNames = map[ErrorKind]string{
	KindBadMagic:          "bad magic",
	KindProtocolViolation: "protocol violation",
	KindUnsupportedOption: "unsupported option",
	KindExportNotFound:    "export not found",
	KindOutOfRange:        "out of range",
	KindInvalidRequest:    "invalid request",
	KindIO:                "i/o error",
	KindDecodeTooLarge:    "length too large",
	KindShortBuffer:       "short buffer",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether an error of kind k must end the connection.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindBadMagic, KindProtocolViolation, KindDecodeTooLarge, KindShortBuffer:
		return true
	}
	return false
}

// ProtocolError is returned by the codec and the state machine.
type ProtocolError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProtocolError) Error() string {
	s := "nbd: " + e.Op + ": " + e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &ProtocolError{Kind: k}) match on the kind alone.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func protoErr(kind ErrorKind, op string, format string, v ...interface{}) *ProtocolError {
	var err error
	if format != "" {
		err = fmt.Errorf(format, v...)
	}
	return &ProtocolError{Kind: kind, Op: op, Err: err}
}

// Sentinels usable with errors.Is.
var (
	ErrBadMagic          = &ProtocolError{Kind: KindBadMagic}
	ErrProtocolViolation = &ProtocolError{Kind: KindProtocolViolation}
	ErrDecodeTooLarge    = &ProtocolError{Kind: KindDecodeTooLarge}
	ErrShortBuffer       = &ProtocolError{Kind: KindShortBuffer}
)

// ErrExportNotFound is returned by a Directory for unknown export names.
var ErrExportNotFound = errors.New("nbd: no such export")

// errAborted is returned by the negotiator when the client sent NBD_OPT_ABORT.
var errAborted = errors.New("nbd: client aborted negotiation")

// IsFatal reports whether err must end the connection. Errors that are not
// a *ProtocolError (I/O failures on the socket) are always fatal.
func IsFatal(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind.Fatal()
	}
	return err != nil
}

// Error combines the normal error interface with an Errno method, that returns
// an NBD error number. All of Device's methods should return an Error -
// otherwise, EIO is assumed as the error number.
type Error interface {
	Error() string
	Errno() Errno
}

// Errno is an error code suitable to be sent over the wire. It mostly
// corresponds to syscall.Errno, though the constants in this package are
// specified and so are the only ones to be safe to be sent over the wire and
// understood by all NBD servers/clients.
type Errno uint32

// See https://manpages.debian.org/stretch/manpages-dev/errno.3.en.html for a
// description of error numbers.
const (
	EPERM     Errno = 1
	EIO       Errno = 5
	ENOMEM    Errno = 12
	EINVAL    Errno = 22
	ENOSPC    Errno = 28
	EOVERFLOW Errno = 75
	ENOTSUP   Errno = 95
	ESHUTDOWN Errno = 108
)

var errStr = map[Errno]string{
	EPERM:     "Operation not permitted",
	EIO:       "Input/output error",
	ENOMEM:    "Cannot allocate memory",
	EINVAL:    "Invalid argument",
	ENOSPC:    "No space left on device",
	EOVERFLOW: "Value too large for defined data type",
	ENOTSUP:   "Operation not supported",
	ESHUTDOWN: "Cannot send after transport endpoint shutdown",
}

func (e Errno) Error() string {
	if msg, ok := errStr[e]; ok {
		return msg
	}
	return fmt.Sprintf("NBD_ERROR(%d)", uint32(e))
}

// Errno returns e.
func (e Errno) Errno() Errno {
	return e
}

type errf struct {
	errno Errno
	error
}

func (e errf) Errno() Errno {
	return e.errno
}

func (e errf) Unwrap() error { return e.error }

// Errorf returns an error implementing Error, returning code from Errno.
func Errorf(code Errno, msg string, v ...interface{}) Error {
	if len(v) > 0 {
		return errf{code, fmt.Errorf(msg, v...)}
	}
	return errf{code, errors.New(msg)}
}

// errnoOf maps a device error to the number sent on the wire.
func errnoOf(err error) Errno {
	var e Error
	if errors.As(err, &e) {
		return e.Errno()
	}
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Kind == KindOutOfRange {
		return EINVAL
	}
	return EIO
}
