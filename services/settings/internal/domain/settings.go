package domain

import (
	"errors"
	"time"
)

const (
	AggregateType   = "heatpump_setting"
	EventTypeUpdate = "setting_update"
)

var ErrEmptyPatch = errors.New("at least one setting is required")

type Settings struct {
	DeviceID         string    `json:"device_id"`
	IndoorTargetTemp *float64  `json:"indoor_target_temp"`
	Mode             *int      `json:"mode"`
	Curve            *int      `json:"curve"`
	CurveMin         *int      `json:"curve_min"`
	CurveMax         *int      `json:"curve_max"`
	CurvePlus5       *int      `json:"curve_plus_5"`
	CurveZero        *int      `json:"curve_zero"`
	CurveMinus5      *int      `json:"curve_minus_5"`
	Heatstop         *int      `json:"heatstop"`
	IntegralSetting  *int      `json:"integral_setting"`
	Ts               time.Time `json:"ts"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Patch holds the settings a client wants to change; nil fields stay as they are.
type Patch struct {
	IndoorTargetTemp *float64 `json:"indoor_target_temp,omitempty" validate:"omitempty,gte=15,lte=30"`
	Mode             *int     `json:"mode,omitempty" validate:"omitempty,gte=0,lte=3"`
	Curve            *int     `json:"curve,omitempty" validate:"omitempty,gte=0,lte=255"`
	CurveMin         *int     `json:"curve_min,omitempty" validate:"omitempty,gte=0,lte=255"`
	CurveMax         *int     `json:"curve_max,omitempty" validate:"omitempty,gte=0,lte=255"`
	CurvePlus5       *int     `json:"curve_plus_5,omitempty" validate:"omitempty,gte=0,lte=255"`
	CurveZero        *int     `json:"curve_zero,omitempty" validate:"omitempty,gte=0,lte=255"`
	CurveMinus5      *int     `json:"curve_minus_5,omitempty" validate:"omitempty,gte=0,lte=255"`
	Heatstop         *int     `json:"heatstop,omitempty" validate:"omitempty,gte=0"`
	IntegralSetting  *int     `json:"integral_setting,omitempty" validate:"omitempty,gte=0"`
}

// Columns returns the changed columns with their new values.
func (p *Patch) Columns() map[string]any {
	columns := make(map[string]any)

	add := func(column string, value any, set bool) {
		if set {
			columns[column] = value
		}
	}

	add("indoor_target_temp", deref(p.IndoorTargetTemp), p.IndoorTargetTemp != nil)
	add("mode", deref(p.Mode), p.Mode != nil)
	add("curve", deref(p.Curve), p.Curve != nil)
	add("curve_min", deref(p.CurveMin), p.CurveMin != nil)
	add("curve_max", deref(p.CurveMax), p.CurveMax != nil)
	add("curve_plus_5", deref(p.CurvePlus5), p.CurvePlus5 != nil)
	add("curve_zero", deref(p.CurveZero), p.CurveZero != nil)
	add("curve_minus_5", deref(p.CurveMinus5), p.CurveMinus5 != nil)
	add("heatstop", deref(p.Heatstop), p.Heatstop != nil)
	add("integral_setting", deref(p.IntegralSetting), p.IntegralSetting != nil)

	return columns
}

func (p *Patch) Empty() bool {
	return len(p.Columns()) == 0
}

func deref[T any](v *T) any {
	if v == nil {
		return nil
	}

	return *v
}

// UpdateResult is what a client gets back for an accepted settings change.
type UpdateResult struct {
	DeviceID string `json:"device_id"`
	OutboxID int64  `json:"outbox_id"`
	Status   string `json:"status"`
}
