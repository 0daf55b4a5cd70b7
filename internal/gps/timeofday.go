package gps

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// ParseTimeOfDay parses an NMEA "hhmmss[.sss]" time field into an offset from midnight,
// to the millisecond. Receivers sometimes report midnight as 240000, which is read as 000000.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := nmea.ParseTime(s)
	if err != nil {
		return 0, err
	}
	if !t.Valid {
		return 0, fmt.Errorf("time field is empty")
	}
	if t.Hour == 24 && t.Minute == 0 && t.Second == 0 && t.Millisecond == 0 {
		return 0, nil
	}
	if t.Hour > 23 || t.Minute > 59 || t.Second > 60 {
		return 0, fmt.Errorf("time field %q: want hhmmss[.sss]", s)
	}
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second + time.Duration(t.Millisecond)*time.Millisecond, nil
}

// ParseClock parses "HH:MM:SS[.fff]" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("clock %q: want HH:MM:SS[.fff]", s)
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	ss, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 || ss < 0 || ss >= 61 {
		return 0, fmt.Errorf("clock %q: want HH:MM:SS[.fff]", s)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(math.Round(ss*float64(time.Second))), nil
}

// FormatTimeOfDay renders an offset from midnight as HH:MM:SS.sss, wrapping at 24h.
func FormatTimeOfDay(d time.Duration) string {
	d %= 24 * time.Hour
	if d < 0 {
		d += 24 * time.Hour
	}
	ms := d.Round(time.Millisecond).Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d",
		ms/3_600_000%24, ms/60_000%60, ms/1000%60, ms%1000)
}
