package nmea

// Legacy $PTNL sentences: PTNL,<VEL|POS>,hhmmss.ss,north,east,up,quality.
// North precedes East. There is no date field, so the parser's calendar or
// clock supplies the day.

const legacyFields = 7

func (p Parser) legacy(line string, f []string) (n, e, u float64, q int, err error) {
	if len(f) != legacyFields {
		return 0, 0, 0, 0, malformed(line, "expected %d fields, got %d", legacyFields, len(f))
	}
	if err = floats(line, f, []int{3, 4, 5}, &n, &e, &u); err != nil {
		return 0, 0, 0, 0, err
	}
	var ok bool
	if q, ok = parseInt(f[6]); !ok {
		return 0, 0, 0, 0, malformed(line, "bad quality %q", f[6])
	}
	return n, e, u, q, nil
}

func (p Parser) parseLegacyVelocity(line string, f []string) (Velocity, error) {
	n, e, u, q, err := p.legacy(line, f)
	if err != nil {
		return Velocity{}, err
	}
	ts, ok := p.date(f[2])
	if !ok {
		return Velocity{}, malformed(line, "bad time %q", f[2])
	}
	return Velocity{Time: ts, North: n, East: e, Up: u, Quality: float64(q)}, nil
}

func (p Parser) parseLegacyDisplacement(line string, f []string) (Displacement, error) {
	n, e, u, q, err := p.legacy(line, f)
	if err != nil {
		return Displacement{}, err
	}
	ts, ok := p.date(f[2])
	if !ok {
		return Displacement{}, malformed(line, "bad time %q", f[2])
	}
	return Displacement{
		Time:                ts,
		Start:               ts,
		North:               n,
		East:                e,
		Up:                  u,
		Quality:             float64(q),
		EpochCompleteness:   1,
		OverallCompleteness: 1,
	}, nil
}
