package nmea

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"
)

// SentenceKind classifies a raw line by its talker/type prefix.
type SentenceKind int

const (
	KindUnknown SentenceKind = iota
	KindVelocity
	KindDisplacement
)

func (k SentenceKind) String() string {
	switch k {
	case KindVelocity:
		return "velocity"
	case KindDisplacement:
		return "displacement"
	default:
		return "unknown"
	}
}

const (
	prefixGNLVM  = "$GNLVM"
	prefixGPLVM  = "$GPLVM"
	prefixGNLDM  = "$GNLDM"
	prefixGPLDM  = "$GPLDM"
	prefixPTNLVe = "$PTNL,VEL"
	prefixPTNLPo = "$PTNL,POS"
)

// Kind routes a line without validating it.
func Kind(line string) SentenceKind {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, prefixGNLVM), strings.HasPrefix(line, prefixGPLVM),
		strings.HasPrefix(line, prefixPTNLVe):
		return KindVelocity
	case strings.HasPrefix(line, prefixGNLDM), strings.HasPrefix(line, prefixGPLDM),
		strings.HasPrefix(line, prefixPTNLPo):
		return KindDisplacement
	default:
		return KindUnknown
	}
}

// ValidChecksum reports whether the XOR of every byte between '$' and the
// last '*' equals the two hex digits following the '*'.
func ValidChecksum(sentence string) bool {
	_, ok := checksumBody(strings.TrimSpace(sentence))
	return ok
}

// checksumBody returns the payload between '$' and '*' when the checksum
// matches.
func checksumBody(line string) (string, bool) {
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return "", false
	}
	payload := strings.TrimPrefix(line[:star], "$")
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return "", false
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return "", false
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	return payload, got == want[0]
}

// fields validates the checksum and splits the payload. Each field is
// trimmed; receivers have been seen emitting a space after a comma.
func fields(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	payload, ok := checksumBody(line)
	if !ok {
		return nil, &ChecksumError{Sentence: line}
	}
	parts := strings.Split(payload, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseInt(s string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseClock splits "hhmmss[.ss]" into a time of day.
func parseClock(s string) (h, m int, sec float64, ok bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return 0, 0, 0, false
	}
	var err error
	if h, err = strconv.Atoi(s[0:2]); err != nil || h > 23 {
		return 0, 0, 0, false
	}
	if m, err = strconv.Atoi(s[2:4]); err != nil || m > 59 {
		return 0, 0, 0, false
	}
	if sec, err = strconv.ParseFloat(s[4:], 64); err != nil || sec < 0 || sec >= 61 {
		return 0, 0, 0, false
	}
	return h, m, sec, true
}

// ClockOnDate combines an "hhmmss[.ss]" field with the calendar day of base
// (taken in UTC).
func ClockOnDate(hhmmss string, base time.Time) (time.Time, bool) {
	h, m, sec, ok := parseClock(hhmmss)
	if !ok {
		return time.Time{}, false
	}
	base = base.UTC()
	whole := math.Floor(sec)
	nanos := int(math.Round((sec - whole) * 1e9))
	return time.Date(base.Year(), base.Month(), base.Day(), h, m, int(whole), nanos, time.UTC), true
}

// parseTimestamp combines "hhmmss.ss" with "mmddyy" (years are 20yy).
func parseTimestamp(clock, date string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	if len(date) != 6 {
		return time.Time{}, false
	}
	month, err1 := strconv.Atoi(date[0:2])
	day, err2 := strconv.Atoi(date[2:4])
	yy, err3 := strconv.Atoi(date[4:6])
	if err1 != nil || err2 != nil || err3 != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(2000+yy, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day {
		// time.Date normalizes 31 February into March.
		return time.Time{}, false
	}
	return ClockOnDate(clock, d)
}

// HorizontalMagnitude is the Euclidean norm of the east and north components.
func HorizontalMagnitude(east, north float64) float64 {
	return math.Hypot(east, north)
}

func MetersToMillimeters(v float64) float64 { return v * 1000 }
