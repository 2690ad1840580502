package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JitterSchedule fires every Base ± Jitter, never sooner than Floor.
type JitterSchedule struct {
	Base   time.Duration
	Jitter time.Duration
	Floor  time.Duration

	rand func(n int64) int64
}

// Next implements cron.Schedule.
func (s JitterSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Delay())
}

// Delay returns one jittered interval.
func (s JitterSchedule) Delay() time.Duration {
	d := s.Base
	if s.Jitter > 0 {
		r := s.rand
		if r == nil {
			r = rand.Int64N
		}
		d += time.Duration(r(int64(2*s.Jitter)+1)) - s.Jitter
	}
	if d < s.Floor {
		d = s.Floor
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Task runs a function on a schedule. Overlapping runs are skipped and panics
// are recovered and logged.
type Task struct {
	name string
	cron *cron.Cron
}

// NewTask creates a stopped Task.
func NewTask(name string, sched cron.Schedule, fn func(), logger zerolog.Logger) *Task {
	cl := cronLogger{logger: logger.With().Str("task", name).Logger()}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(sched, cron.FuncJob(fn))
	return &Task{name: name, cron: c}
}

// Start begins firing in the background.
func (t *Task) Start() {
	t.cron.Start()
}

// Stop halts future runs. The returned context is done once a run in
// progress has finished.
func (t *Task) Stop() context.Context {
	return t.cron.Stop()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
