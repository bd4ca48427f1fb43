// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import "log"

// Logger defines an interface that implementers can use to redirect
// logging into their own application.
type Logger interface {
	Printf(format string, v ...interface{})
}

// StdLogger implements the Logger interface by wrapping the Go log package.
type StdLogger struct{}

func (StdLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// NopLogger discards all log output.
type NopLogger struct{}

func (NopLogger) Printf(format string, v ...interface{}) {}
