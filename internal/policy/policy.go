// Package policy resolves the per-project auto-publish schedule policy.
package policy

import (
	"time"

	"content-pipeline-engine/internal/models"
)

// Mode enumerates auto-publish behaviors.
type Mode string

const (
	ModeBuffered  Mode = "buffered"
	ModeImmediate Mode = "immediate"
	ModeManual    Mode = "manual"
)

// DefaultBufferDays applies when no override, project setting, or org
// entitlement supplies one.
const DefaultBufferDays = 3

// SchedulePolicy is the effective auto-publish policy for a project.
// BufferDays is only meaningful when Mode is buffered.
type SchedulePolicy struct {
	Mode       Mode
	BufferDays int
}

// Default returns the hardcoded fallback policy.
func Default() SchedulePolicy {
	return SchedulePolicy{Mode: ModeBuffered, BufferDays: DefaultBufferDays}
}

// Override is a run-level policy override. Nil fields fall through to the
// next resolution tier.
type Override struct {
	Mode       *Mode
	BufferDays *int
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	_, ok := validMode(string(m))
	return ok
}

// validMode filters free-form stored strings down to the known modes.
func validMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeBuffered, ModeImmediate, ModeManual:
		return Mode(s), true
	default:
		return "", false
	}
}

// Resolve computes the effective policy following the precedence chain:
// run-level override, then project setting, then org entitlement, then the
// hardcoded default. Mode and buffer days resolve independently so a project
// can override only one of them.
func Resolve(override *Override, project *models.Project, org *models.Org) SchedulePolicy {
	p := Default()

	if org != nil {
		if m, ok := validMode(org.EntitlementAutoPublishPolicy); ok {
			p.Mode = m
		}
		if org.EntitlementBufferDays != nil && *org.EntitlementBufferDays >= 0 {
			p.BufferDays = *org.EntitlementBufferDays
		}
	}
	if project != nil {
		if m, ok := validMode(project.AutoPublishPolicy); ok {
			p.Mode = m
		}
		if project.BufferDays != nil && *project.BufferDays >= 0 {
			p.BufferDays = *project.BufferDays
		}
	}
	if override != nil {
		if override.Mode != nil {
			if m, ok := validMode(string(*override.Mode)); ok {
				p.Mode = m
			}
		}
		if override.BufferDays != nil && *override.BufferDays >= 0 {
			p.BufferDays = *override.BufferDays
		}
	}
	return p
}

// Cutoff returns the latest planned date still eligible for publishing under
// this policy as of today. For immediate mode that is today itself; for
// buffered mode the planned date must additionally be BufferDays in the past.
func (p SchedulePolicy) Cutoff(today time.Time) time.Time {
	day := models.DateOnly(today)
	if p.Mode == ModeBuffered {
		return day.AddDate(0, 0, -p.BufferDays)
	}
	return day
}

// Eligible reports whether an article whose plan item carries plannedDate may
// be auto-published as of today. Manual mode never auto-publishes.
func (p SchedulePolicy) Eligible(plannedDate, today time.Time) bool {
	if p.Mode == ModeManual {
		return false
	}
	return !models.DateOnly(plannedDate).After(p.Cutoff(today))
}
