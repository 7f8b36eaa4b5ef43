// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package log

import (
	"context"
	"flag"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	klog "k8s.io/klog/v2"

	"github.com/akuzo/cacsi/pkg/about"
	"github.com/akuzo/cacsi/pkg/dev"
)

const (
	EcsVersion     = "1.4.0"
	EcsServiceType = "cacsi"
	FlagName       = "log-verbosity"
)

var (
	verbosity = flag.Int(FlagName, 0, "Verbosity level of logs (-2=Error, -1=Warn, 0=Info, >0=Debug)")

	rootSink = newDelegatingSink(defaultSink())

	// Log is the root logger of the process. Children derived from it before
	// InitLogger runs pick up the configured sink once it is installed.
	Log = logr.New(rootSink)
)

// BindFlags attaches logging flags to the given flag set.
func BindFlags(flags *pflag.FlagSet) {
	flags.AddGoFlag(flag.Lookup(FlagName))
}

type logBuilder struct {
	verbosity *int
}

// Option represents log configuration options.
type Option func(*logBuilder)

// WithVerbosity sets the log verbosity level.
// Verbosity levels from 2 are custom levels that increase the verbosity as the value increases.
// Standard levels are as follows:
// level | Zap level | name
// -------------------------
//
//	 1    | -1        | Debug
//	 0    |  0        | Info
//	-1    |  1        | Warn
//	-2    |  2        | Error
func WithVerbosity(verbosity int) Option {
	return func(lb *logBuilder) {
		lb.verbosity = &verbosity
	}
}

// InitLogger initializes the global logger.
func InitLogger(opts ...Option) {
	lb := &logBuilder{
		verbosity: verbosity,
	}

	for _, opt := range opts {
		opt(lb)
	}

	setLogger(lb.verbosity)
}

// FromContext returns the logger stored in the given context, or the root logger if there is none.
func FromContext(ctx context.Context) logr.Logger {
	if log, err := logr.FromContext(ctx); err == nil {
		return log
	}
	return Log
}

// IntoContext returns a copy of ctx carrying the given logger.
func IntoContext(ctx context.Context, log logr.Logger) context.Context {
	return logr.NewContext(ctx, log)
}

func setLogger(v *int) {
	zapLevel := determineLogLevel(v)

	// if the Zap custom level is less than debug (verbosity level 2 and above) set the klog level to the same level
	if zapLevel.Level() < zap.DebugLevel {
		flagset := flag.NewFlagSet("", flag.ContinueOnError)
		klog.InitFlags(flagset)
		_ = flagset.Set("v", strconv.Itoa(int(zapLevel.Level())*-1))
	}

	opts := []zap.Option{
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(
			zap.String("service.version", getVersionString()),
		),
	}

	var encoder zapcore.Encoder
	if dev.Enabled {
		encoderConf := zap.NewDevelopmentEncoderConfig()
		encoderConf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConf)
	} else {
		encoder = zapcore.NewJSONEncoder(productionEncoderConfig())
		opts = append(opts,
			zap.Fields(
				zap.String("service.type", EcsServiceType),
				zap.String("ecs.version", EcsVersion),
			))
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapLevel)
	rootSink.replace(zapr.NewLogger(zap.New(core, opts...)).GetSink())
	klog.SetLogger(Log.WithName("klog"))
}

func productionEncoderConfig() zapcore.EncoderConfig {
	encoderConf := zap.NewProductionEncoderConfig()
	encoderConf.MessageKey = "message"
	encoderConf.TimeKey = "@timestamp"
	encoderConf.LevelKey = "log.level"
	encoderConf.NameKey = "log.logger"
	encoderConf.StacktraceKey = "error.stack_trace"
	encoderConf.EncodeTime = zapcore.ISO8601TimeEncoder
	return encoderConf
}

func determineLogLevel(v *int) zap.AtomicLevel {
	switch {
	case v != nil && *v > -3:
		return zap.NewAtomicLevelAt(zapcore.Level(*v * -1))
	case dev.Enabled:
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// defaultSink backs Log until InitLogger runs so that early messages are not lost.
func defaultSink() logr.LogSink {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(productionEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(zapcore.InfoLevel),
	)
	return zapr.NewLogger(zap.New(core)).GetSink()
}

func getVersionString() string {
	buildInfo := about.GetBuildInfo()
	return buildInfo.VersionString()
}
