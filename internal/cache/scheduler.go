package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// FlushScheduler empties a cache once a day at a wall-clock time.
type FlushScheduler struct {
	cron   *cron.Cron
	cache  Cache
	logger *zap.Logger
}

// ParseResetTime turns "HH:MM" into a daily cron spec.
func ParseResetTime(hhmm string) (string, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("reset time %q must be HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("reset time %q has an invalid hour", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("reset time %q has an invalid minute", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// NewFlushScheduler registers the daily flush. Call Start to begin running it.
func NewFlushScheduler(c Cache, resetTime, timezone string, logger *zap.Logger) (*FlushScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	spec, err := ParseResetTime(resetTime)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}

	s := &FlushScheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{logger: logger.Named("cron")}), cron.WithLocation(loc)),
		cache:  c,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, s.flush); err != nil {
		return nil, fmt.Errorf("schedule cache flush: %w", err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *FlushScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running flush.
func (s *FlushScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next returns the next scheduled flush.
func (s *FlushScheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().In(s.cron.Location()))
}

func (s *FlushScheduler) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cache.Flush(ctx); err != nil {
		s.logger.Error("cache flush failed", zap.Error(err))
		return
	}
	s.logger.Info("cache flushed")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []any) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
