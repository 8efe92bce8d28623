// Copyright 2026 The ClaudeFS Authors.
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

// Package claudefserr defines the closed error taxonomy shared by every
// engine component, plus the propagation rules (retriable, fatal) that
// govern how callers react to each kind.
package claudefserr

import (
	"errors"
	"fmt"
)

// Kind is one of a fixed set of error categories. Components never return a
// bare error for anything that can be attributed to one of these; the kind,
// not the Go type, is what callers and tests switch on.
type Kind int

const (
	// KindUnknown is never constructed deliberately; its presence on a
	// wrapped error indicates a programming mistake.
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	KindQuotaExceeded
	KindOutOfSpace
	KindCorruptBlock
	KindCorruptSuperblock
	KindAuthFailed
	KindKeyExhausted
	KindConflictDetected
	KindLeaseExpired
	KindDeviceUnavailable
	KindTimeout
	KindCancelled
	KindRecoveryFailed
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindNotFound:          "NotFound",
	KindAlreadyExists:     "AlreadyExists",
	KindPermissionDenied:  "PermissionDenied",
	KindQuotaExceeded:     "QuotaExceeded",
	KindOutOfSpace:        "OutOfSpace",
	KindCorruptBlock:      "CorruptBlock",
	KindCorruptSuperblock: "CorruptSuperblock",
	KindAuthFailed:        "AuthFailed",
	KindKeyExhausted:      "KeyExhausted",
	KindConflictDetected:  "ConflictDetected",
	KindLeaseExpired:      "LeaseExpired",
	KindDeviceUnavailable: "DeviceUnavailable",
	KindTimeout:           "Timeout",
	KindCancelled:         "Cancelled",
	KindRecoveryFailed:    "RecoveryFailed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Error wraps a Kind, an optional cause, and structured fields describing
// the failing operation. It implements the standard unwrap protocol so
// errors.Is/errors.As work against both the kind sentinel and the cause.
type Error struct {
	Kind    Kind
	Op      string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so
// errors.Is(err, claudefserr.Sentinel(KindNotFound)) works without callers
// constructing their own stand-ins.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given kind for operation op, optionally
// wrapping cause and attaching fields for structured logging.
func New(kind Kind, op string, cause error, fields map[string]any) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause, Fields: fields}
}

// Sentinel returns a bare *Error carrying only a kind, suitable for use with
// errors.Is to test a returned error's category:
//
//	if errors.Is(err, claudefserr.Sentinel(claudefserr.KindNotFound)) { ... }
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind carried by err, walking the unwrap chain. Returns
// KindUnknown if err does not wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retriable reports whether an operation that failed with this kind may be
// retried by the caller under a bounded budget, per spec §7's propagation
// table (Timeout is retriable; OutOfSpace is retriable only after a GC pass,
// which callers must drive explicitly — Retriable still reports true so the
// retry loop knows to attempt one).
func Retriable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindOutOfSpace, KindLeaseExpired:
		return true
	default:
		return false
	}
}

// Fatal reports whether this kind takes the mount to read-only degraded
// mode rather than surfacing to a single caller.
func Fatal(kind Kind) bool {
	switch kind {
	case KindCorruptSuperblock, KindRecoveryFailed:
		return true
	default:
		return false
	}
}
