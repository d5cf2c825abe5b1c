package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig - параметры инициализации логгера
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	Output      string // путь к файлу; пусто - stderr
	Development bool
}

// Logger - обертка над zap.Logger с мягким Sync
type Logger struct {
	*zap.Logger
}

// InitLogger создает логгер по конфигурации
//
// Если файл вывода недоступен, логгер пишет в stderr.
func InitLogger(cfg LogConfig) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.Output != "" && cfg.Output != "stderr" {
		if cfg.Output == "stdout" {
			sink = zapcore.Lock(os.Stdout)
		} else if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			sink = zapcore.AddSync(f)
		} else {
			fmt.Fprintf(os.Stderr, "logger: cannot open %s, falling back to stderr: %v\n", cfg.Output, err)
		}
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(parseLevel(cfg.Level)))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{Logger: zap.New(core, opts...)}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
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

// Sync сбрасывает буферы. Ошибки sync для терминалов игнорируются.
func (l *Logger) Sync() error {
	err := l.Logger.Sync()
	if err == nil || errors.Is(err, syscall.EBADF) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) {
		return nil
	}
	return err
}

// ============================================================
// Доменные поля
// ============================================================

func Broker(name string) zap.Field       { return zap.String("broker", name) }
func Server(name string) zap.Field       { return zap.String("server", name) }
func AccountID(id string) zap.Field      { return zap.String("account_id", id) }
func Symbol(symbol string) zap.Field     { return zap.String("symbol", symbol) }
func OrderID(id string) zap.Field        { return zap.String("order_id", id) }
func SignalID(id string) zap.Field       { return zap.String("signal_id", id) }
func Price(p float64) zap.Field          { return zap.Float64("price", p) }
func Quantity(q float64) zap.Field       { return zap.Float64("qty", q) }
func Side(side string) zap.Field         { return zap.String("side", side) }
func Reason(reason string) zap.Field     { return zap.String("reason", reason) }
func Latency(d time.Duration) zap.Field  { return zap.Duration("latency", d) }
func RequestID(id string) zap.Field      { return zap.String("request_id", id) }
func PrincipalID(id string) zap.Field    { return zap.String("principal_id", id) }
func ConnectionID(id string) zap.Field   { return zap.String("conn_id", id) }
func Component(name string) zap.Field    { return zap.String("component", name) }
func StatusCode(code int) zap.Field      { return zap.Int("status", code) }
func Operation(name string) zap.Field    { return zap.String("op", name) }
func Method(method string) zap.Field     { return zap.String("method", method) }
func Path(path string) zap.Field         { return zap.String("path", path) }

// Переэкспорт конструкторов zap
var (
	String = zap.String
	Int    = zap.Int
	Int64  = zap.Int64
	Err    = zap.Error
	Any    = zap.Any
)
