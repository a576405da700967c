// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import "fmt"

// InvariantError reports a broken internal invariant: inconsistent
// sample lists between records, an allele out of range, a hap2seq
// value out of range, or a seq2cnt histogram that disagrees with
// hap2seq. Always fatal to the window.
type InvariantError struct{ msg string }

func (e *InvariantError) Error() string { return "invariant violation: " + e.msg }

func newInvariantError(msg string) error { return &InvariantError{msg: msg} }

// FormatError reports malformed input: a truncated bref3 stream, a
// bad magic number, or an integer overflow in a packed bit width.
// Always fatal to the window.
type FormatError struct{ msg string }

func (e *FormatError) Error() string { return "format error: " + e.msg }

func newFormatError(msg string) error { return &FormatError{msg: msg} }

// ParameterError reports an invalid run configuration: f_min outside
// (0, 0.5), nStates < 1, maxNSeq out of range. Rejected at driver
// entry, before any window work begins.
type ParameterError struct{ msg string }

func (e *ParameterError) Error() string { return "parameter error: " + e.msg }

func newParameterError(msg string) error { return &ParameterError{msg: msg} }

// ResourceError reports an allocation or I/O resource failure. Fatal
// to the window.
type ResourceError struct{ msg string }

func (e *ResourceError) Error() string { return "resource error: " + e.msg }

func newResourceError(msg string) error { return &ResourceError{msg: msg} }

// wrapf is a small helper matching the teacher's fmt.Errorf("%w")
// wrapping style used at nearly every call site in tilelib.go/import.go.
func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
