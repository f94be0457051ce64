package telemetry

import (
	"go.uber.org/zap"
)

// InitLogger builds the process logger and installs it as the zap global.
// Callers log through zap.L(); the returned sync func flushes on exit.
func InitLogger(env string) (func(), error) {
	var logger *zap.Logger
	var err error
	if env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return func() { _ = logger.Sync() }, nil
}
