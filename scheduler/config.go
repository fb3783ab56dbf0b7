package scheduler

import (
	"sync"
	"time"
	_ "time/tzdata"
)

// Config holds the sending window and volume limits.
type Config struct {
	DailyLimit int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	// MaxJitter bounds the random offset added to sequence send times.
	MaxJitter time.Duration

	Location    *time.Location
	WindowStart time.Duration // offset from local midnight
	WindowEnd   time.Duration
	Days        []time.Weekday
}

func DefaultConfig() Config {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		DailyLimit:  50,
		MinDelay:    120 * time.Second,
		MaxDelay:    300 * time.Second,
		MaxJitter:   120 * time.Minute,
		Location:    loc,
		WindowStart: 9 * time.Hour,
		WindowEnd:   17 * time.Hour,
		Days:        []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

func (c Config) clone() Config {
	c.Days = append([]time.Weekday(nil), c.Days...)
	return c
}

func (c Config) isBusinessDay(d time.Weekday) bool {
	for _, day := range c.Days {
		if day == d {
			return true
		}
	}
	return false
}

var (
	defaultsMu sync.RWMutex
	defaults   = DefaultConfig()
)

// SetDefaults replaces the configuration used by NewFromDefaults. Schedulers that
// already exist keep the configuration they were built with.
func SetDefaults(cfg Config) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	defaults = cfg.clone()
}

// Defaults returns a copy of the current default configuration.
func Defaults() Config {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return defaults.clone()
}
