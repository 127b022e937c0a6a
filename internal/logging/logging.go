package logging

import (
	"os"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "callsync"

var Logger *zap.Logger

func init() {
	var err error

	Logger, err = newLogger(config.Conf.LogLevel, config.Conf.LogFilePath)
	if err != nil {
		zap.NewExample().Fatal("Could not initialize logger", zap.String("error", err.Error()))
	}
}

// Named returns a child of Logger tagged with the component that emits it.
func Named(component string) *zap.Logger {
	return Logger.With(zap.String("component", component))
}

// newLogger writes colored console output and, when filePath is set, JSON lines to that file.
func newLogger(rawLevel, filePath string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(rawLevel)
	if err != nil {
		zap.NewExample().Info("Invalid log level, using info level", zap.String("level", rawLevel))

		level = zapcore.InfoLevel
	}

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.ConsoleSeparator = "  "
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stdout), level),
	}

	if filePath != "" {
		sink, _, err := zap.Open(filePath)
		if err != nil {
			return nil, err
		}

		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), sink, level))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", serviceName)),
	), nil
}
