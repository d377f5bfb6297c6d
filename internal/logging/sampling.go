package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples every level below Error with that level's own rate.
// Levels without a rate and Error and above pass through unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled || len(cfg.Levels) == 0 {
		return core
	}

	cores := []zapcore.Core{&levelFilterCore{Core: core, only: func(l zapcore.Level) bool {
		_, sampled := cfg.Levels[l]
		return l >= zapcore.ErrorLevel || !sampled
	}}}
	for lvl, rate := range cfg.Levels {
		if lvl >= zapcore.ErrorLevel {
			continue
		}
		level := lvl
		filtered := &levelFilterCore{Core: core, only: func(l zapcore.Level) bool { return l == level }}
		cores = append(cores, zapcore.NewSamplerWithOptions(filtered, cfg.Tick.Duration(), rate.Initial, rate.Thereafter))
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore passes only the levels accepted by only.
type levelFilterCore struct {
	zapcore.Core
	only func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.only(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), only: c.only}
}
