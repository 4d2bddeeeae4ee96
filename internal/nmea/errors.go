package nmea

import (
	"errors"
	"fmt"
)

var (
	ErrChecksum  = errors.New("nmea: checksum mismatch")
	ErrMalformed = errors.New("nmea: malformed sentence")
)

// ChecksumError reports a sentence whose trailing checksum does not match
// the XOR of its body.
type ChecksumError struct {
	Sentence string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("nmea: invalid checksum: %q", e.Sentence)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksum }

// MalformedError reports a sentence with the wrong prefix, the wrong number
// of fields, or a field that does not convert.
type MalformedError struct {
	Sentence string
	Reason   string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("nmea: %s: %q", e.Reason, e.Sentence)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

func malformed(sentence, format string, args ...any) error {
	return &MalformedError{Sentence: sentence, Reason: fmt.Sprintf(format, args...)}
}
