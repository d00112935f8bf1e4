package relay

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week. Fields accept "*", a
// number, ranges "a-b", steps "*/n" or "a-b/n", and comma lists.
// Day-of-month and day-of-week combine with OR when both are
// restricted, matching the classic cron convention.
type CronSchedule struct {
	expr       string
	minute     uint64
	hour       uint64
	dom        uint64
	month      uint64
	dow        uint64
	domAny     bool
	dowAny     bool
}

// ParseCron parses a cron expression.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, &ValidationError{Subject: "cron " + expr, Detail: "expected 5 fields"}
	}
	s := &CronSchedule{expr: expr}
	var err error
	if s.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, &ValidationError{Subject: "cron " + expr, Detail: "minute: " + err.Error()}
	}
	if s.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, &ValidationError{Subject: "cron " + expr, Detail: "hour: " + err.Error()}
	}
	if s.dom, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, &ValidationError{Subject: "cron " + expr, Detail: "day of month: " + err.Error()}
	}
	if s.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, &ValidationError{Subject: "cron " + expr, Detail: "month: " + err.Error()}
	}
	if s.dow, err = parseCronField(fields[4], 0, 6); err != nil {
		return nil, &ValidationError{Subject: "cron " + expr, Detail: "day of week: " + err.Error()}
	}
	s.domAny = fields[2] == "*"
	s.dowAny = fields[4] == "*"
	return s, nil
}

// String returns the original expression.
func (s *CronSchedule) String() string { return s.expr }

// Next returns the first time strictly after t that matches the
// schedule. Scans minute by minute with a four-year bound against
// impossible expressions (e.g. Feb 30).
func (s *CronSchedule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for t.Before(limit) {
		if s.month&(1<<uint(t.Month())) == 0 {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies the cron OR rule for restricted dom and dow.
func (s *CronSchedule) dayMatches(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0
	if s.domAny && s.dowAny {
		return true
	}
	if s.domAny {
		return dowOK
	}
	if s.dowAny {
		return domOK
	}
	return domOK || dowOK
}

// parseCronField parses one field into a bit set over [min, max].
func parseCronField(field string, min, max int) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := min, max, 1

		rangePart := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", part)
			}
			step = n
		}

		switch {
		case rangePart == "*":
			// full range
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil {
				return 0, fmt.Errorf("bad range %q", part)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", part)
			}
			lo, hi = n, n
			// "N/step" means "from N to max by step".
			if strings.Contains(part, "/") {
				hi = max
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("value %q out of range %d-%d", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			bits |= 1 << uint(v)
		}
	}
	if bits == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return bits, nil
}
