// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Error types returned by this package.

package flashfs

import "fmt"

// ErrCode is a flat operation error code, mirroring the negative return
// codes of the original embedded API (SPIFFS_ERR_*). Callers that need to
// react to a specific failure mode should compare against these with
// errors.Is/errors.As rather than string-matching error text.
type ErrCode int

// Operation error codes, reproduced from the specification's error table.
const (
	ErrOK ErrCode = iota
	ErrNotFound
	ErrFull
	ErrCorruptIndex
	ErrOutOfFDs
	ErrDeleted
	ErrBadFD
	ErrNameTooLong
	ErrIsIndex
	ErrNotIndex
	ErrNotWritable
	ErrNotReadable
	ErrConflictingName
	ErrNotFinalized
	ErrIndexSpanMismatch
	ErrEndOfObject
)

func (c ErrCode) String() string {
	switch c {
	case ErrOK:
		return "ok"
	case ErrNotFound:
		return "object not found"
	case ErrFull:
		return "filesystem full"
	case ErrCorruptIndex:
		return "corrupt object index"
	case ErrOutOfFDs:
		return "out of file descriptors"
	case ErrDeleted:
		return "object deleted"
	case ErrBadFD:
		return "bad file descriptor"
	case ErrNameTooLong:
		return "name too long"
	case ErrIsIndex:
		return "unexpected index page"
	case ErrNotIndex:
		return "expected index page"
	case ErrNotWritable:
		return "not writable"
	case ErrNotReadable:
		return "not readable"
	case ErrConflictingName:
		return "conflicting name"
	case ErrNotFinalized:
		return "page not finalized"
	case ErrIndexSpanMismatch:
		return "object index span mismatch"
	case ErrEndOfObject:
		return "end of object"
	default:
		return fmt.Sprintf("errcode(%d)", int(c))
	}
}

// Error makes ErrCode usable as an errors.Is target.
func (c ErrCode) Error() string { return c.String() }

// OpError wraps an ErrCode with the operation and object that produced it.
type OpError struct {
	Op   string
	Name string
	Code ErrCode
}

func (e *OpError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("flashfs: %s %q: %s", e.Op, e.Name, e.Code)
	}
	return fmt.Sprintf("flashfs: %s: %s", e.Op, e.Code)
}

// Is allows errors.Is(err, ErrNotFound) style matching against a bare ErrCode.
func (e *OpError) Is(target error) bool {
	if c, ok := target.(ErrCode); ok {
		return e.Code == c
	}
	return false
}

// ErrINVAL reports a programming/parameter error: a caller-supplied value
// fell outside what the API or on-flash layout allows. Arg carries the
// offending value for diagnostics.
type ErrINVAL struct {
	Name string
	Arg  interface{}
}

func (e *ErrINVAL) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Arg)
}

// ErrPERM reports an operation invoked out of its allowed sequence, such as
// closing a HAL with pending nested updates.
type ErrPERM struct {
	Name string
}

func (e *ErrPERM) Error() string { return e.Name + ": operation not permitted" }

// ILSEQKind enumerates the distinct ways on-flash structures were found to
// be ill-formed; it lets callers/tests distinguish failure shapes without
// parsing error text.
type ILSEQKind int

const (
	ErrBadMagic ILSEQKind = iota
	ErrBadPageHeaderFlags
	ErrBadObjIxSpan
	ErrBadObjIxHeader
	ErrLookupEntryRange
	ErrShortRead
	ErrOther
)

func (k ILSEQKind) String() string {
	switch k {
	case ErrBadMagic:
		return "bad magic"
	case ErrBadPageHeaderFlags:
		return "bad page header flags"
	case ErrBadObjIxSpan:
		return "object index span mismatch"
	case ErrBadObjIxHeader:
		return "not an object index header page"
	case ErrLookupEntryRange:
		return "lookup entry index out of range"
	case ErrShortRead:
		return "short read from HAL"
	case ErrOther:
		return "wrapped error"
	default:
		return fmt.Sprintf("ilseqkind(%d)", int(k))
	}
}

// ErrILSEQ reports on-flash data that fails structural validation: a page
// header with an impossible flag combination, an index chain whose span
// numbering doesn't match its position, and the like. It mirrors the
// allocator's own structural-corruption error in shape (Type/Off/Arg/Arg2),
// adding a wrapped cause (More) for validation performed on top of another
// fallible step (e.g. a HAL read that itself failed).
type ErrILSEQ struct {
	Type ILSEQKind
	Off  int64
	Arg  int64
	Arg2 int64
	More error
}

func (e *ErrILSEQ) Error() string {
	if e.More != nil {
		return fmt.Sprintf("ill-formed data at %#x: %s: %v", e.Off, e.Type, e.More)
	}
	return fmt.Sprintf("ill-formed data at %#x: %s (arg=%d, arg2=%d)", e.Off, e.Type, e.Arg, e.Arg2)
}

func (e *ErrILSEQ) Unwrap() error { return e.More }
