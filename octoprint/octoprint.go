// Package octoprint implements the client side of the OctoPrint HTTP API:
// a per-instance connection state machine with a polling loop, printer and
// job view models, the upload/print protocol, application key pairing, and
// helpers for smart plugs and webcam streams.
package octoprint

// Logger is the minimal logging interface the octoprint package uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var pkgLogger Logger

// SetLogger sets the logger for the octoprint package
func SetLogger(logger Logger) {
	pkgLogger = logger
}

func logError(msg string, context ...interface{}) {
	if pkgLogger != nil {
		pkgLogger.Error(msg, context...)
	}
}

func logWarn(msg string, context ...interface{}) {
	if pkgLogger != nil {
		pkgLogger.Warn(msg, context...)
	}
}

func logInfo(msg string, context ...interface{}) {
	if pkgLogger != nil {
		pkgLogger.Info(msg, context...)
	}
}

func logDebug(msg string, context ...interface{}) {
	if pkgLogger != nil {
		pkgLogger.Debug(msg, context...)
	}
}
