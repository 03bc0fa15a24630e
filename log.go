// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Structured tracing, standing in for the embedded original's
// SPIFFS_DBG/SPIFFS_GC_DBG/SPIFFS_CACHE_DBG conditional macros.

package flashfs

import "github.com/sirupsen/logrus"

// Logger is the subset of *logrus.Logger this package uses; both
// *logrus.Logger and *logrus.Entry satisfy it. Init takes a
// *logrus.Logger, and no function of the package accepts a Logger.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
}

func nopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
