// Package basic wraps a cluster with context-carrying helpers for tests and scripts.
//
// The clusteriface interfaces are kept small so that they are easy to implement. The types here add the
// conveniences on top: a stored context, Run and Output helpers, and Must variants that panic on error.
package basic

import (
	"fmt"

	"go.uber.org/zap"
)

const loggerName = "basic"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Must panics if err is not nil.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}

func Must2[V any](v V, err error) V {
	Must(err)
	return v
}
