package helpers

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process logger: the development config in debug mode,
// the production config otherwise. Both write to stderr; stdout carries
// command output.
func NewLogger(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stderr"}
		logger, err = z.Build()
	} else {
		z := zap.NewProductionConfig()
		z.OutputPaths = []string{"stderr"}
		logger, err = z.Build()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}
