// Package reminders implements durable scheduled events that re-enter the
// kernel as synthesized inbound messages when they fire.
package reminders

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	KindAt    = "at"
	KindEvery = "every"
	KindCron  = "cron"
)

// Schedule is the tagged union describing when a reminder fires: a single
// moment (at), a fixed period anchored at a moment (every), or a cron
// expression with an optional IANA time zone (cron).
type Schedule struct {
	Kind     string `json:"kind"`
	AtMs     int64  `json:"atMs,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs int64  `json:"anchorMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// Validate checks the union's tag-specific fields.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 {
			return errors.New("at schedule requires atMs")
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return errors.New("every schedule requires a positive everyMs")
		}
	case KindCron:
		if s.Expr == "" {
			return errors.New("cron schedule requires expr")
		}
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid time zone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// ParseSchedule decodes and validates a persisted schedule.
func ParseSchedule(raw string) (Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Schedule{}, fmt.Errorf("decode schedule: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// ComputeNextRun returns the first firing moment strictly derived from now,
// or nil when the schedule has no future occurrence.
//
//   - at: the scheduled moment while still in the future, else nil.
//   - every: anchor + ceil((now-anchor)/every)*every, minimum one step,
//     never before now. A missing anchor anchors at now.
//   - cron: next tick of the expression in its time zone.
func ComputeNextRun(s Schedule, now time.Time) (*time.Time, error) {
	switch s.Kind {
	case KindAt:
		at := time.UnixMilli(s.AtMs).UTC()
		if at.After(now) {
			return &at, nil
		}
		return nil, nil

	case KindEvery:
		every := time.Duration(s.EveryMs) * time.Millisecond
		anchorMs := s.AnchorMs
		if anchorMs <= 0 {
			anchorMs = now.UnixMilli()
		}
		anchor := time.UnixMilli(anchorMs).UTC()

		steps := int64(0)
		if elapsed := now.Sub(anchor); elapsed > 0 {
			steps = int64((elapsed + every - 1) / every)
		}
		if steps < 1 {
			steps = 1
		}
		next := anchor.Add(time.Duration(steps) * every)
		for next.Before(now) {
			next = next.Add(every)
		}
		return &next, nil

	case KindCron:
		ref := now
		if s.TZ != "" {
			loc, err := time.LoadLocation(s.TZ)
			if err != nil {
				return nil, fmt.Errorf("load time zone %q: %w", s.TZ, err)
			}
			ref = now.In(loc)
		}
		next, err := gronx.NextTickAfter(s.Expr, ref, false)
		if err != nil {
			return nil, fmt.Errorf("next cron tick for %q: %w", s.Expr, err)
		}
		next = next.UTC()
		return &next, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
