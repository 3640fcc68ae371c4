package utils

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig - настройки логирования
type LogConfig struct {
	// Level: debug, info, warn, error, fatal
	Level string

	// Format: json (production) или text (console encoder)
	Format string

	// Output: путь к файлу; пустая строка = stdout
	Output string

	// Development включает DPanic и caller для отладки
	Development bool
}

// Logger - обёртка над zap с sugar-вариантом для нечастых путей
//
// Горячие пути (dispatch, исполнение ордеров) используют типизированные
// поля zap.Field без аллокаций; sugar оставлен для startup/shutdown кода.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// InitLogger создаёт и настраивает logger
//
// Неизвестный уровень или формат откатываются к info/json - logger
// обязан подняться при любом содержимом переменных окружения.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.Output != "" {
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			sink = zapcore.AddSync(file)
		}
		// При ошибке открытия файла остаёмся на stdout:
		// потерять лог хуже, чем потерять файл
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}

	logger := zap.New(core, opts...)

	return &Logger{
		Logger: logger,
		sugar:  logger.Sugar(),
	}
}

// Sugar возвращает SugaredLogger для printf-style логирования
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// Named возвращает logger с именем подсистемы (validator, dispatcher, ...)
func (l *Logger) Named(name string) *Logger {
	named := l.Logger.Named(name)
	return &Logger{
		Logger: named,
		sugar:  named.Sugar(),
	}
}

// parseLevel преобразует строку в zapcore.Level
func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
