// Copyright 2025 Kadir Pekel
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

// Package errs defines the structured error values the engine surfaces.
//
// Every user-facing error carries three fields: What (terse statement), Why
// (concrete cause with offending values) and How (actionable remediation).
// Callers branch on Kind rather than parsing strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for caller branching.
type Kind string

const (
	KindConfig              Kind = "config"
	KindModelUnknown        Kind = "model_unknown"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindSanitizeReject      Kind = "sanitize_reject"
	KindCompression         Kind = "compression"
	KindStage               Kind = "stage"
	KindCache               Kind = "cache"
	KindAntipatternCritical Kind = "antipattern_critical"
	KindCancelled           Kind = "cancelled"
)

// Error is a structured error value.
type Error struct {
	Kind Kind           `json:"kind"`
	What string         `json:"what"`
	Why  string         `json:"why,omitempty"`
	How  string         `json:"how,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`

	cause error
}

// New creates an Error of the given kind.
func New(kind Kind, what string) *Error {
	return &Error{Kind: kind, What: what}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, what string, cause error) *Error {
	return &Error{Kind: kind, What: what, cause: cause}
}

// WithWhy attaches the concrete cause description.
func (e *Error) WithWhy(format string, args ...any) *Error {
	e.Why = fmt.Sprintf(format, args...)
	return e
}

// WithHow attaches the remediation hint.
func (e *Error) WithHow(how string) *Error {
	e.How = how
	return e
}

// WithMeta attaches a metadata key.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any, 1)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.What
	if e.Why != "" {
		msg += " (" + e.Why + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the kind of err if it is (or wraps) an *Error, or "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
