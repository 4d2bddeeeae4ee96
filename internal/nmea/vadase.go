package nmea

import "time"

// Velocity is one epoch of receiver-computed ground velocity. Components
// are metres per second, variances and covariances m²/s².
type Velocity struct {
	Time  time.Time
	East  float64
	North float64
	Up    float64

	VarE, VarN, VarU    float64
	CovEN, CovEU, CovUN float64

	// Quality is the 3D component quality (m/s) for LVM sentences and the
	// integer quality flag for legacy sentences.
	Quality float64
	Sats    int
}

// Horizontal returns hypot(East, North) in m/s.
func (v Velocity) Horizontal() float64 { return HorizontalMagnitude(v.East, v.North) }

// Displacement is one epoch of receiver-integrated displacement relative to
// the reference position established at Start. Components are metres.
type Displacement struct {
	Time  time.Time
	Start time.Time
	East  float64
	North float64
	Up    float64

	VarE, VarN, VarU    float64
	CovEN, CovEU, CovUN float64

	Quality float64
	Sats    int

	// Reset is 0 for a normal epoch and 1 when the receiver changed its
	// reference position.
	Reset               int
	EpochCompleteness   float64
	OverallCompleteness float64
}

const (
	lvmFields = 14
	ldmFields = 19
)

// Calendar assigns a calendar day to an undated "hhmmss[.ss]" field.
type Calendar interface {
	Date(hhmmss string) (time.Time, bool)
}

// Parser turns raw lines into samples. The zero value is ready to use.
// Legacy sentences carry no date: Calendar dates them when set, otherwise
// they land on the day of Now, which defaults to the wall clock.
type Parser struct {
	Now      func() time.Time
	Calendar Calendar
}

func (p Parser) date(hhmmss string) (time.Time, bool) {
	if p.Calendar != nil {
		return p.Calendar.Date(hhmmss)
	}
	return ClockOnDate(hhmmss, p.now())
}

func (p Parser) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// ParseVelocity parses an LVM sentence or a legacy $PTNL,VEL sentence.
func ParseVelocity(line string) (Velocity, error) { return Parser{}.ParseVelocity(line) }

// ParseDisplacement parses an LDM sentence or a legacy $PTNL,POS sentence.
func ParseDisplacement(line string) (Displacement, error) {
	return Parser{}.ParseDisplacement(line)
}

func (p Parser) ParseVelocity(line string) (Velocity, error) {
	f, err := fields(line)
	if err != nil {
		return Velocity{}, err
	}
	switch "$" + f[0] {
	case prefixGNLVM, prefixGPLVM:
		return parseLVM(line, f)
	case "$PTNL":
		if len(f) > 1 && f[1] == "VEL" {
			return p.parseLegacyVelocity(line, f)
		}
	}
	return Velocity{}, malformed(line, "not a velocity sentence")
}

func (p Parser) ParseDisplacement(line string) (Displacement, error) {
	f, err := fields(line)
	if err != nil {
		return Displacement{}, err
	}
	switch "$" + f[0] {
	case prefixGNLDM, prefixGPLDM:
		return parseLDM(line, f)
	case "$PTNL":
		if len(f) > 1 && f[1] == "POS" {
			return p.parseLegacyDisplacement(line, f)
		}
	}
	return Displacement{}, malformed(line, "not a displacement sentence")
}

// floats converts f[i] for each index into dst, stopping at the first
// failure.
func floats(line string, f []string, idx []int, dst ...*float64) error {
	for n, i := range idx {
		v, ok := parseFloat(f[i])
		if !ok {
			return malformed(line, "field %d: bad number %q", i, f[i])
		}
		*dst[n] = v
	}
	return nil
}

func parseLVM(line string, f []string) (Velocity, error) {
	if len(f) != lvmFields {
		return Velocity{}, malformed(line, "expected %d fields, got %d", lvmFields, len(f))
	}
	var v Velocity
	ts, ok := parseTimestamp(f[1], f[2])
	if !ok {
		return Velocity{}, malformed(line, "bad time/date %q %q", f[1], f[2])
	}
	v.Time = ts
	err := floats(line, f, []int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		&v.East, &v.North, &v.Up,
		&v.VarE, &v.VarN, &v.VarU,
		&v.CovEN, &v.CovEU, &v.CovUN,
		&v.Quality)
	if err != nil {
		return Velocity{}, err
	}
	if v.Sats, ok = parseInt(f[13]); !ok {
		return Velocity{}, malformed(line, "bad satellite count %q", f[13])
	}
	return v, nil
}

func parseLDM(line string, f []string) (Displacement, error) {
	if len(f) != ldmFields {
		return Displacement{}, malformed(line, "expected %d fields, got %d", ldmFields, len(f))
	}
	var d Displacement
	var ok bool
	if d.Time, ok = parseTimestamp(f[1], f[2]); !ok {
		return Displacement{}, malformed(line, "bad time/date %q %q", f[1], f[2])
	}
	if d.Start, ok = parseTimestamp(f[3], f[4]); !ok {
		return Displacement{}, malformed(line, "bad start time/date %q %q", f[3], f[4])
	}
	err := floats(line, f, []int{5, 6, 7, 8, 9, 10, 11, 12, 13, 14},
		&d.East, &d.North, &d.Up,
		&d.VarE, &d.VarN, &d.VarU,
		&d.CovEN, &d.CovEU, &d.CovUN,
		&d.Quality)
	if err != nil {
		return Displacement{}, err
	}
	if d.Sats, ok = parseInt(f[15]); !ok {
		return Displacement{}, malformed(line, "bad satellite count %q", f[15])
	}
	if d.Reset, ok = parseInt(f[16]); !ok {
		return Displacement{}, malformed(line, "bad reset indicator %q", f[16])
	}
	if err := floats(line, f, []int{17, 18}, &d.EpochCompleteness, &d.OverallCompleteness); err != nil {
		return Displacement{}, err
	}
	return d, nil
}
