// Package observability builds the process logger.
//
// Every component receives a *zap.Logger; this package turns the LOG_LEVEL and
// LOG_FORMAT settings into one.
package observability
