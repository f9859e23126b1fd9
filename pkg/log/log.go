// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _globalL, _globalS, _globalR, _globalLevel atomic.Value

// RateLimiter is the minimal interface used by rated logging helpers.
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

// nopRateLimiter never drops logs.
type nopRateLimiter struct{}

func (nopRateLimiter) CheckCredit(delta float64) bool { return true }

// rlHolder 固定 atomic.Value 中存储的具体类型。
type rlHolder struct {
	r RateLimiter
}

func init() {
	l, level := newStdLogger()
	_globalL.Store(l)
	_globalS.Store(l.Sugar())
	_globalLevel.Store(level)
	_globalR.Store(rlHolder{r: nopRateLimiter{}})
}

// InitLogger 根据配置构建 zap Logger，并返回 Logger 与可调节的日志级别。
// 通常在进程启动阶段调用一次，并用返回值调用 ReplaceGlobals。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, zap.AtomicLevel, error) {
	c := cfg.withDefaults()

	var outputs []zapcore.WriteSyncer
	if c.File.Filename != "" {
		outputs = append(outputs, zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.File.Filename,
			MaxSize:    c.File.MaxSize,
			MaxBackups: c.File.MaxBackups,
			MaxAge:     c.File.MaxDays,
		}))
	}
	if c.Stdout || len(outputs) == 0 {
		stdout, _, err := zap.Open("stdout")
		if err != nil {
			return nil, zap.AtomicLevel{}, err
		}
		outputs = append(outputs, stdout)
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, zap.AtomicLevel{}, errors.Wrapf(err, "invalid log level %q", c.Level)
	}

	core := zapcore.NewCore(newEncoder(&c), zap.CombineWriteSyncers(outputs...), level)
	lg := zap.New(core, buildOptions(&c, opts...)...)
	return lg, level, nil
}

// SetupTestLogger 将全局 Logger 重定向到 testing.T 并返回该 Logger。
func SetupTestLogger(t zaptest.TestingT) *zap.Logger {
	lg, level, err := InitTestLogger(t, &Config{Level: "debug", DisableStacktrace: true})
	if err != nil {
		panic(err)
	}
	ReplaceGlobals(lg, level)
	return lg
}

// InitTestLogger 构建将输出重定向到 testing.T 的 Logger，供单元测试使用。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, zap.AtomicLevel, error) {
	c := cfg.withDefaults()

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	writer := testingWriter{t: t}
	core := zapcore.NewCore(newEncoder(&c), writer, level)
	zapOptions := append([]zap.Option{zap.ErrorOutput(writer)}, opts...)
	return zap.New(core, buildOptions(&c, zapOptions...)...), level, nil
}

func newEncoder(cfg *Config) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder
	if cfg.Format == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func buildOptions(cfg *Config, opts ...zap.Option) []zap.Option {
	built := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if !cfg.DisableCaller {
		built = append(built, zap.AddCaller())
	}
	if cfg.DisableStacktrace {
		built = []zap.Option{}
		if !cfg.DisableCaller {
			built = append(built, zap.AddCaller())
		}
	}
	return append(built, opts...)
}

// newStdLogger 构建默认的标准输出 Logger，在显式初始化前兜底使用。
func newStdLogger() (*zap.Logger, zap.AtomicLevel) {
	cfg := (&Config{Level: "info", Stdout: true}).withDefaults()
	lg, level, _ := InitLogger(&cfg)
	return lg, level
}

// L 返回全局 Logger。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S 返回全局 SugaredLogger。
func S() *zap.SugaredLogger {
	return _globalS.Load().(*zap.SugaredLogger)
}

// R 返回全局限流器。
func R() RateLimiter {
	return _globalR.Load().(rlHolder).r
}

// ReplaceGlobals 替换全局 Logger 与级别，通常在 InitLogger 之后调用一次。
func ReplaceGlobals(logger *zap.Logger, level zap.AtomicLevel) {
	_globalL.Store(logger)
	_globalS.Store(logger.Sugar())
	_globalLevel.Store(level)
}

// SetRateLimiter 替换 Rated* 系列接口使用的全局限流器。
func SetRateLimiter(r RateLimiter) {
	if r == nil {
		r = nopRateLimiter{}
	}
	_globalR.Store(rlHolder{r: r})
}

// SetLevel 调整全局日志级别。
func SetLevel(l zapcore.Level) {
	_globalLevel.Load().(zap.AtomicLevel).SetLevel(l)
}

// GetLevel 返回当前全局日志级别。
func GetLevel() zapcore.Level {
	return _globalLevel.Load().(zap.AtomicLevel).Level()
}

// Sync 刷新全局 Logger 的缓冲。
func Sync() error {
	return L().Sync()
}

// testingWriter 将日志写入 testing.T。
type testingWriter struct {
	t zaptest.TestingT
}

func (w testingWriter) Write(p []byte) (int, error) {
	n := len(p)

	// 去掉末尾换行符，因为 t.Log 会自动追加一个换行。
	p = bytes.TrimRight(p, "\n")
	w.t.Logf("%s", p)
	return n, nil
}

func (w testingWriter) Sync() error {
	return nil
}
