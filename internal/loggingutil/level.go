package loggingutil

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

// LevelSwitch hands out loggers whose minimum level can be changed after
// they were derived, for example when a watched config file changes.
type LevelSwitch struct {
	base    pslog.Logger
	current atomic.Pointer[levelState]
}

type levelState struct {
	gen    uint64
	level  pslog.Level
	logger pslog.Logger
}

// NewLevelSwitch wraps base at the given level.
func NewLevelSwitch(base pslog.Logger, level pslog.Level) *LevelSwitch {
	s := &LevelSwitch{base: EnsureLogger(base)}
	s.current.Store(&levelState{gen: 1, level: level, logger: s.base.LogLevel(level)})
	return s
}

// SetLevel changes the level of every logger handed out by s.
func (s *LevelSwitch) SetLevel(level pslog.Level) {
	for {
		old := s.current.Load()
		next := &levelState{gen: old.gen + 1, level: level, logger: s.base.LogLevel(level)}
		if s.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Level reports the active level.
func (s *LevelSwitch) Level() pslog.Level {
	return s.current.Load().level
}

// Logger returns a logger that follows SetLevel.
func (s *LevelSwitch) Logger() pslog.Logger {
	return &switchedLogger{sw: s}
}

type cachedLogger struct {
	gen    uint64
	logger pslog.Logger
}

type switchedLogger struct {
	sw      *LevelSwitch
	keyvals []any
	cache   atomic.Pointer[cachedLogger]
}

func (l *switchedLogger) resolve() pslog.Logger {
	st := l.sw.current.Load()
	if c := l.cache.Load(); c != nil && c.gen == st.gen {
		return c.logger
	}
	logger := st.logger
	if len(l.keyvals) > 0 {
		logger = logger.With(l.keyvals...)
	}
	l.cache.Store(&cachedLogger{gen: st.gen, logger: logger})
	return logger
}

func (l *switchedLogger) Trace(msg string, keyvals ...any) { l.resolve().Trace(msg, keyvals...) }
func (l *switchedLogger) Debug(msg string, keyvals ...any) { l.resolve().Debug(msg, keyvals...) }
func (l *switchedLogger) Info(msg string, keyvals ...any)  { l.resolve().Info(msg, keyvals...) }
func (l *switchedLogger) Warn(msg string, keyvals ...any)  { l.resolve().Warn(msg, keyvals...) }
func (l *switchedLogger) Error(msg string, keyvals ...any) { l.resolve().Error(msg, keyvals...) }
func (l *switchedLogger) Fatal(msg string, keyvals ...any) { l.resolve().Fatal(msg, keyvals...) }
func (l *switchedLogger) Panic(msg string, keyvals ...any) { l.resolve().Panic(msg, keyvals...) }

func (l *switchedLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	l.resolve().Log(level, msg, keyvals...)
}

func (l *switchedLogger) With(keyvals ...any) pslog.Logger {
	merged := make([]any, 0, len(l.keyvals)+len(keyvals))
	merged = append(merged, l.keyvals...)
	merged = append(merged, keyvals...)
	return &switchedLogger{sw: l.sw, keyvals: merged}
}

// The level overrides below detach from the switch.

func (l *switchedLogger) WithLogLevel() pslog.Logger {
	return l.resolve().WithLogLevel()
}

func (l *switchedLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.resolve().LogLevel(level)
}

func (l *switchedLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.resolve().LogLevelFromEnv(key)
}
