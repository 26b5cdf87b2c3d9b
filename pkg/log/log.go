package log

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/config"
)

var Module = fx.Module("log",
	fx.Provide(New),
)

// New builds the root logger. Development gets the console encoder, anything
// else gets production JSON.
func New(cfg *config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	return logger.With(
		zap.String("service", cfg.AppName),
		zap.String("version", cfg.AppVersion),
	), nil
}
