// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import "github.com/bassosimone/errclass"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "ECONNREFUSED") that end up in the errClass field of log events.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using [errclass.New].
//
// A nil error maps to the empty string.
var DefaultErrClassifier = ErrClassifierFunc(func(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
})
