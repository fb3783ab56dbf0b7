package scheduler

import "time"

func clockOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// IsBusinessWindow reports whether t falls on a business day inside
// [WindowStart, WindowEnd), evaluated in the business timezone.
func (s *Scheduler) IsBusinessWindow(t time.Time) bool {
	local := t.In(s.cfg.Location)
	if !s.cfg.isBusinessDay(local.Weekday()) {
		return false
	}
	clock := clockOf(local)
	return clock >= s.cfg.WindowStart && clock < s.cfg.WindowEnd
}

// NextBusinessWindowStart returns from unchanged when it is inside the window,
// otherwise the start of the next window. The result keeps from's location.
func (s *Scheduler) NextBusinessWindowStart(from time.Time) time.Time {
	if s.IsBusinessWindow(from) {
		return from
	}

	local := from.In(s.cfg.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	if clockOf(local) >= s.cfg.WindowEnd {
		day = day.AddDate(0, 0, 1)
	}
	for i := 0; i < 7 && !s.cfg.isBusinessDay(day.Weekday()); i++ {
		day = day.AddDate(0, 0, 1)
	}

	return s.windowStartOn(day).In(from.Location())
}

func (s *Scheduler) windowStartOn(day time.Time) time.Time {
	h := int(s.cfg.WindowStart / time.Hour)
	m := int((s.cfg.WindowStart % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, s.cfg.Location)
}

// NextSendSlot adds a random delay to from and, when respectWindow is set,
// moves the result forward into the business window.
func (s *Scheduler) NextSendSlot(from time.Time, respectWindow bool) time.Time {
	slot := from.Add(s.RandomDelay())
	if respectWindow && !s.IsBusinessWindow(slot) {
		slot = s.NextBusinessWindowStart(slot)
	}
	return slot
}

// dayBounds returns the business-timezone day containing t as a half-open interval.
func (s *Scheduler) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(s.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	return start, start.AddDate(0, 0, 1)
}
