// Package scheduler decides when pending messages may go out: the business
// window, randomized send slots, the daily quota and the selection of due messages.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/utils"
)

type Scheduler struct {
	db  *gorm.DB
	cfg Config
	log *logrus.Entry
	now func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

type Option func(*Scheduler)

// WithClock overrides the current time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRand sets the random source used for delays and jitter.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rnd = r }
}

func New(db *gorm.DB, cfg Config, opts ...Option) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{
		db:  db,
		cfg: cfg.clone(),
		log: utils.Logger("scheduler"),
		now: time.Now,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromDefaults builds a scheduler from the current package defaults.
func NewFromDefaults(db *gorm.DB, opts ...Option) *Scheduler {
	return New(db, Defaults(), opts...)
}

func (s *Scheduler) Config() Config {
	return s.cfg.clone()
}

// Now returns the current time in the business timezone.
func (s *Scheduler) Now() time.Time {
	return s.now().In(s.cfg.Location)
}

// RandomDelay returns a delay drawn uniformly from [MinDelay, MaxDelay].
func (s *Scheduler) RandomDelay() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(s.int63n(int64(span)+1))
}

func (s *Scheduler) jitter() time.Duration {
	minutes := int64(s.cfg.MaxJitter / time.Minute)
	if minutes <= 0 {
		return 0
	}
	return time.Duration(s.int63n(minutes+1)) * time.Minute
}

func (s *Scheduler) int63n(n int64) int64 {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Int63n(n)
}
