// Package timeparse turns the free-text publish time shown on an item page
// into a timestamp.
//
// The text has the form "<label>·<date-or-relative-phrase>". Only the part
// after the last separator is considered. Relative phrases such as "3h ago"
// or "2 days ago" are measured back from now; anything else is read as a
// calendar date at midnight in the configured location. Text that is neither
// resolves to now.
package timeparse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/JakeFAU/clipvault/internal/media"
)

// Separator splits the label from the date portion of the raw text.
const Separator = "·"

var relativePattern = regexp.MustCompile(`(?i)^(\d+)\s*(d|h|m|days?|hours?|minutes?|mins?)\s*ago$`)

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Parser applies the date policy.
type Parser struct {
	clock Clock
	loc   *time.Location
}

// New builds a Parser. A nil clock uses the system clock and a nil location
// uses time.Local.
func New(clock Clock, loc *time.Location) *Parser {
	if clock == nil {
		clock = systemClock{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Parser{clock: clock, loc: loc}
}

// Parse returns the timestamp for raw. It never fails: text that carries no
// usable date resolves to now.
func (p *Parser) Parse(raw string) time.Time {
	if t, err := p.TryParse(raw); err == nil {
		return t
	}
	return p.clock.Now()
}

// TryParse is Parse with "no timestamp obtained" made visible as an error
// wrapping media.ErrParseFailure. That happens for empty text and for numbers
// too large to represent; every other input yields a time, which is now when
// the text is not recognised.
func (p *Parser) TryParse(raw string) (t time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = time.Time{}, fmt.Errorf("%w: publish time %q: %v", media.ErrParseFailure, raw, r)
		}
	}()

	text := raw
	if idx := strings.LastIndex(text, Separator); idx >= 0 {
		text = text[idx+len(Separator):]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("%w: publish time %q has no date", media.ErrParseFailure, raw)
	}

	now := p.clock.Now()
	if m := relativePattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: publish time %q: %w", media.ErrParseFailure, raw, err)
		}
		unit := unitSeconds(m[2])
		if n > math.MaxInt64/unit {
			return time.Time{}, fmt.Errorf("%w: publish time %q out of range", media.ErrParseFailure, raw)
		}
		return time.Unix(now.Unix()-n*unit, 0).In(p.loc), nil
	}

	if day, ok := p.absolute(text, now); ok {
		return day, nil
	}
	return now, nil
}

func (p *Parser) absolute(text string, now time.Time) (time.Time, bool) {
	if t, err := time.ParseInLocation("2006-01-02", text, p.loc); err == nil {
		return t, true
	}
	// Recent items show only month and day.
	if t, err := time.ParseInLocation("1-2", text, p.loc); err == nil {
		return time.Date(now.In(p.loc).Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.loc), true
	}
	t, err := dateparse.ParseIn(text, p.loc)
	if err != nil {
		return time.Time{}, false
	}
	t = t.In(p.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.loc), true
}

func unitSeconds(unit string) int64 {
	switch strings.ToLower(unit)[0] {
	case 'd':
		return 86400
	case 'h':
		return 3600
	default:
		return 60
	}
}

// Resolve derives a timestamp in seconds from raw, falling back to each
// non-zero fallback time in order and finally to now.
func (p *Parser) Resolve(raw string, fallbacks ...time.Time) int64 {
	if t, err := p.TryParse(raw); err == nil {
		return t.Unix()
	}
	for _, fb := range fallbacks {
		if !fb.IsZero() {
			return fb.Unix()
		}
	}
	return p.clock.Now().Unix()
}
