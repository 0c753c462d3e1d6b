//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package ecproto

import (
	"fmt"

	"github.com/juju/errors"
)

// ECError is an explicit rejection from the EC: the command reached the
// firmware and it answered with a nonzero result code. Result codes are not
// transient, so an ECError is never retried.
type ECError struct {
	Op     uint16
	Result Result
}

func (e *ECError) Error() string {
	return fmt.Sprintf("EC returned error on command 0x%04x: %d (%s)", e.Op, e.Result, e.Result)
}

// NewECError wraps a nonzero EC result code.
func NewECError(op uint16, res Result) error {
	return &ECError{Op: op, Result: res}
}

// IsECError reports whether err is an EC-reported result code and, if so,
// which one.
func IsECError(err error) (Result, bool) {
	if e, ok := errors.Cause(err).(*ECError); ok {
		return e.Result, true
	}
	return 0, false
}

// ProtocolErrorKind classifies wire-format failures. Any of these indicates
// the host and the EC have desynced; the session should abort rather than
// retry.
type ProtocolErrorKind int

const (
	InvalidChecksum ProtocolErrorKind = iota
	ProtocolMismatch
	ResponseTooBig
	BadHeader
	MismatchedLength
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case InvalidChecksum:
		return "invalid checksum"
	case ProtocolMismatch:
		return "protocol mismatch"
	case ResponseTooBig:
		return "response too big"
	case BadHeader:
		return "bad header"
	case MismatchedLength:
		return "mismatched length"
	default:
		return "protocol error"
	}
}

type ProtocolError struct {
	Kind ProtocolErrorKind
	msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// NewProtocolError builds a wire-format failure of the given kind.
func NewProtocolError(kind ProtocolErrorKind, f string, args ...interface{}) error {
	return &ProtocolError{Kind: kind, msg: fmt.Sprintf(f, args...)}
}

// IsProtocolError reports whether err is a wire-format failure of the given
// kind.
func IsProtocolError(err error, kind ProtocolErrorKind) bool {
	e, ok := errors.Cause(err).(*ProtocolError)
	return ok && e.Kind == kind
}
