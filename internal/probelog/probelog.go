// Package probelog holds the single shared logger used by background
// receive loops to report decode and socket failures without killing the
// demux fabric.
package probelog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	current.Store(zap.NewNop().Sugar())
}

// SetLogger overrides the package logger. Engines that want diagnostics
// from their receive loops call this once at startup; the default is a
// no-op logger so the library stays silent unless asked.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	current.Store(l)
}

// L returns the current logger.
func L() *zap.SugaredLogger {
	return current.Load()
}
