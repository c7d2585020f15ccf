package zlog

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New 按配置创建 logger，不替换全局实例
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	SetLevel(cfg.Level)

	var encCfg zapcore.EncoderConfig
	switch strings.ToLower(os.Getenv("APP_ENV")) {
	case "dev", "test":
		encCfg = zap.NewDevelopmentEncoderConfig()
	default:
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var core zapcore.Core = zapcore.NewCore(encoder, writeSyncer(cfg), dynamicLevel)
	if cfg.EnableMetric {
		core = metricsCore{Core: core, service: cfg.Service}
	}

	opts = append(opts, zap.AddCaller(), zap.Fields(zap.String("service", cfg.Service)))
	return zap.New(core, opts...), nil
}

// MustInitGlobal 创建 logger 并替换 zap 全局实例，返回的函数用于退出前刷盘
func MustInitGlobal(cfg Config) func() {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	restore := zap.ReplaceGlobals(l)
	stop := watchSIGHUP()

	return func() {
		stop()
		_ = l.Sync()
		restore()
	}
}

// watchSIGHUP 收到 SIGHUP 时在 debug 和 info 之间切换
func watchSIGHUP() func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-c:
				if GetLevel() == "debug" {
					SetLevel("info")
				} else {
					SetLevel("debug")
				}
				zap.L().Info("log level toggled", zap.String("level", GetLevel()))
			}
		}
	}()

	return func() {
		signal.Stop(c)
		close(done)
	}
}

func writeSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer
	if cfg.Stdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	if cfg.File.Path != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}))
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}
