package service

import (
	"log/slog"
	"os"

	"github.com/Sharif2023/StudyNest-sub000/pkg/variables"
	"go.uber.org/fx"
)

var loggerWriter = os.Stdout

func logLevel() slog.Level {
	switch variables.Env(variables.LOG_LEVEL_NAME, variables.LOG_LEVEL_DEFAULT) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(loggerWriter, &slog.HandlerOptions{
		AddSource: false,
		Level:     logLevel(),
	}))
}

var LoggerModule = fx.Module("logger", fx.Provide(
	logger,
))
