// Package signals parses and serves the time-stamped trade signals that drive the scheduler.
package signals

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Direction is the predicted price movement of a binary option
type Direction string

const (
	Call Direction = "CALL"
	Put  Direction = "PUT"
)

// Valid reports whether d is CALL or PUT
func (d Direction) Valid() bool {
	return d == Call || d == Put
}

// ParseDirection normalises a direction string
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToUpper(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q, must be CALL or PUT", ErrInvalidDirection, s)
	}
	return d, nil
}

var (
	ErrInvalidTimeframe = errors.New("invalid timeframe")
	ErrInvalidTime      = errors.New("invalid time of day")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrEmptyAsset       = errors.New("asset cannot be empty")
	ErrIndexOutOfRange  = errors.New("signal index out of range")
)

// TimeOfDay is a wall-clock minute, HH:MM
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (single-digit hours accepted)
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTime, s)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// TimeOfDayOf returns the wall-clock minute of t
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Before reports whether t is strictly earlier in the day than o
func (t TimeOfDay) Before(o TimeOfDay) bool {
	return t.Minutes() < o.Minutes()
}

// Signal is one scheduled trade instruction. Signals are immutable once loaded.
type Signal struct {
	Timeframe string    `json:"timeframe"`
	Asset     string    `json:"asset"`
	TimeOfDay TimeOfDay `json:"-"`
	Direction Direction `json:"direction"`
	Line      int       `json:"line,omitempty"`
}

// ExpiryMinutes converts the "M<n>" timeframe into minutes
func (s Signal) ExpiryMinutes() (int, error) {
	return ParseTimeframe(s.Timeframe)
}

// String renders the signal in file format: TIMEFRAME;ASSET;HH:MM;DIRECTION
func (s Signal) String() string {
	return fmt.Sprintf("%s;%s;%s;%s", s.Timeframe, s.Asset, s.TimeOfDay, s.Direction)
}

// Preview renders the short "HH:MM - ASSET (DIRECTION)" form used in status views
func (s Signal) Preview() string {
	return fmt.Sprintf("%s - %s (%s)", s.TimeOfDay, s.Asset, s.Direction)
}

// View is the JSON shape of a signal for API responses
type View struct {
	Index     int       `json:"index"`
	Timeframe string    `json:"timeframe"`
	Asset     string    `json:"asset"`
	Time      string    `json:"time"`
	Direction Direction `json:"direction"`
	Line      int       `json:"line,omitempty"`
}

// ToView converts the signal for API output
func (s Signal) ToView(index int) View {
	return View{
		Index:     index,
		Timeframe: s.Timeframe,
		Asset:     s.Asset,
		Time:      s.TimeOfDay.String(),
		Direction: s.Direction,
		Line:      s.Line,
	}
}

// ParseTimeframe accepts "M<n>" with n > 0 and returns n
func ParseTimeframe(tf string) (int, error) {
	tf = strings.ToUpper(strings.TrimSpace(tf))
	if !strings.HasPrefix(tf, "M") {
		return 0, fmt.Errorf("%w: %q, must start with M (e.g. M1, M5, M15)", ErrInvalidTimeframe, tf)
	}
	n, err := strconv.Atoi(tf[1:])
	if err != nil {
		return 0, fmt.Errorf("%w: %q, expected M<number>", ErrInvalidTimeframe, tf)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q, number must be greater than 0", ErrInvalidTimeframe, tf)
	}
	return n, nil
}

// New validates the four fields of a signal and returns it normalised
func New(timeframe, asset, timeOfDay, direction string) (Signal, error) {
	tf := strings.ToUpper(strings.TrimSpace(timeframe))
	if _, err := ParseTimeframe(tf); err != nil {
		return Signal{}, err
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return Signal{}, ErrEmptyAsset
	}
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return Signal{}, err
	}
	dir, err := ParseDirection(direction)
	if err != nil {
		return Signal{}, err
	}
	return Signal{Timeframe: tf, Asset: asset, TimeOfDay: tod, Direction: dir}, nil
}
