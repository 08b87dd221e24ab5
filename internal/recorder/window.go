package recorder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseHHMM parses a "HH:MM" 24h time-of-day string, as
// WINDOW_START_HHMM/WINDOW_END_HHMM are specified.
func ParseHHMM(value, label string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%s must be in HH:MM format (got %q)", label, value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%s must be in HH:MM format (got %q)", label, value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%s must be in HH:MM format (got %q)", label, value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%s must be a valid 24h time (got %q)", label, value)
	}
	return hour, minute, nil
}

// ComputeWindow resolves the [start, end) trading window for the
// calendar day containing now, in now's timezone. endDayOffset shifts the
// end time forward by that many days (supporting next-day cutoffs); if
// the result still does not exceed start, it is pushed one more day.
func ComputeWindow(now time.Time, startHHMM, endHHMM string, endDayOffset int) (start, end time.Time, err error) {
	sh, sm, err := ParseHHMM(startHHMM, "WINDOW_START_HHMM")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	eh, em, err := ParseHHMM(endHHMM, "WINDOW_END_HHMM")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	loc := now.Location()
	start = time.Date(now.Year(), now.Month(), now.Day(), sh, sm, 0, 0, loc)
	end = time.Date(now.Year(), now.Month(), now.Day(), eh, em, 0, 0, loc).AddDate(0, 0, endDayOffset)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

// ResolveWindow returns the active [start, end) window for now: if now
// falls before today's window, and also falls within yesterday's window
// (a run started just after midnight, before the previous day's window
// closed), it returns yesterday's window instead.
func ResolveWindow(now time.Time, startHHMM, endHHMM string, endDayOffset int) (start, end time.Time, err error) {
	start, end, err = ComputeWindow(now, startHHMM, endHHMM, endDayOffset)
	if err != nil {
		return
	}
	if now.Before(start) {
		prevStart, prevEnd := start.AddDate(0, 0, -1), end.AddDate(0, 0, -1)
		if !now.After(prevEnd) {
			return prevStart, prevEnd, nil
		}
	}
	return start, end, nil
}
