// Package nmea parses the VADASE velocity and displacement sentences
// emitted by Leica receivers ($GNLVM/$GNLDM and their GP variants) and the
// older Trimble-style $PTNL,VEL / $PTNL,POS pair.
//
// Parsing is pure: the only state is the clock used to date legacy
// sentences, which carry a time of day but no date.
package nmea
