package types

import (
	"fmt"
	"strings"
)

// Mode selects how a loom exposes its counters.
type Mode string

const (
	// ModeDirect looms compute their own counters and expose them as registers.
	ModeDirect Mode = "DIRECT"
	// ModeAccumulator looms expose a single raw pulse counter.
	ModeAccumulator Mode = "ACCUMULATOR"
)

// ParseMode accepts the canonical names and the registry's legacy PLC/CALC labels.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DIRECT", "PLC":
		return ModeDirect, nil
	case "ACCUMULATOR", "CALC":
		return ModeAccumulator, nil
	default:
		return "", fmt.Errorf("unknown device mode %q", s)
	}
}

const (
	DefaultModbusPort = 502
	DefaultUnitID     = 1
)

type Address struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UnitID uint8  `json:"unit_id"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DirectLayout holds register offsets relative to DeviceConfig.HoldingOffset.
// A nil entry means the loom does not expose that value.
type DirectLayout struct {
	Count      *uint16 `json:"count,omitempty"`
	Speed      *uint16 `json:"speed,omitempty"`
	Shift      *uint16 `json:"shift,omitempty"`
	Target     *uint16 `json:"target,omitempty"`
	ShiftStart *uint16 `json:"shift_start,omitempty"`
}

// DeviceConfig is one loom as described by the registry. Read-only to the poller.
type DeviceConfig struct {
	Key     string  `json:"key"`
	Name    string  `json:"name"`
	Group   string  `json:"group"`
	Address Address `json:"address"`
	Mode    Mode    `json:"mode"`

	// HoldingOffset is the window base for DIRECT looms and the pulse
	// register for ACCUMULATOR looms.
	HoldingOffset uint16       `json:"holding_offset"`
	Layout        DirectLayout `json:"layout"`

	AccumOffset  int64   `json:"accum_offset"`
	CoilReset    *uint16 `json:"coil_reset,omitempty"`
	CoilEndShift *uint16 `json:"coil_end_shift,omitempty"`
	Active       bool    `json:"active"`
}

// DirectSample is one batched read of a DIRECT loom's register window.
type DirectSample struct {
	Count      uint16
	Speed      uint16
	Shift      uint16
	Target     uint16
	ShiftStart uint16
}

// DeviceRecord is the registry's flat map view of a loom, as served over
// HTTP, stored in YAML bench files and selected from the database view.
type DeviceRecord struct {
	TelarKey      string  `json:"telarKey" yaml:"telarKey"`
	SQLTelar      string  `json:"sqlTelar,omitempty" yaml:"sqlTelar,omitempty"`
	Name          string  `json:"telnom" yaml:"telnom"`
	Group         string  `json:"grupo" yaml:"grupo"`
	Host          string  `json:"modbusIP" yaml:"modbusIP"`
	Port          *int    `json:"modbusPort" yaml:"modbusPort"`
	UnitID        *int    `json:"modbusID" yaml:"modbusID"`
	HoldingOffset int     `json:"holdingOffset" yaml:"holdingOffset"`
	Mode          string  `json:"mode" yaml:"mode"`
	CoilReset     *int    `json:"coilReset" yaml:"coilReset"`
	CoilEndShift  *int    `json:"coilFinTurno" yaml:"coilFinTurno"`
	Active        Flag    `json:"activo" yaml:"activo"`
	AccumOffset   *int64  `json:"hil_acum_offset" yaml:"hil_acum_offset"`
	CountRel      *int    `json:"plc_hil_act_rel" yaml:"plc_hil_act_rel"`
	SpeedRel      *int    `json:"plc_velocidad_rel" yaml:"plc_velocidad_rel"`
	ShiftRel      *int    `json:"plc_hil_turno_rel" yaml:"plc_hil_turno_rel"`
	TargetRel     *int    `json:"plc_set_rel" yaml:"plc_set_rel"`
	ShiftStartRel *int    `json:"plc_hil_start_rel" yaml:"plc_hil_start_rel"`
}

// ToConfig normalizes a registry record, applying the Modbus port and unit defaults.
func (r DeviceRecord) ToConfig() (DeviceConfig, error) {
	if r.TelarKey == "" {
		return DeviceConfig{}, fmt.Errorf("device record without key")
	}
	mode, err := ParseMode(r.Mode)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("device %s: %w", r.TelarKey, err)
	}

	cfg := DeviceConfig{
		Key:   r.TelarKey,
		Name:  r.Name,
		Group: r.Group,
		Address: Address{
			Host:   r.Host,
			Port:   DefaultModbusPort,
			UnitID: DefaultUnitID,
		},
		Mode:   mode,
		Active: bool(r.Active),
	}
	if r.Port != nil && *r.Port > 0 {
		cfg.Address.Port = *r.Port
	}
	if r.UnitID != nil && *r.UnitID > 0 {
		if *r.UnitID > 255 {
			return DeviceConfig{}, fmt.Errorf("device %s: unit id %d out of range", r.TelarKey, *r.UnitID)
		}
		cfg.Address.UnitID = uint8(*r.UnitID)
	}
	if r.AccumOffset != nil {
		cfg.AccumOffset = *r.AccumOffset
	}

	fields := []struct {
		name string
		in   *int
		out  **uint16
	}{
		{"coilReset", r.CoilReset, &cfg.CoilReset},
		{"coilFinTurno", r.CoilEndShift, &cfg.CoilEndShift},
		{"plc_hil_act_rel", r.CountRel, &cfg.Layout.Count},
		{"plc_velocidad_rel", r.SpeedRel, &cfg.Layout.Speed},
		{"plc_hil_turno_rel", r.ShiftRel, &cfg.Layout.Shift},
		{"plc_set_rel", r.TargetRel, &cfg.Layout.Target},
		{"plc_hil_start_rel", r.ShiftStartRel, &cfg.Layout.ShiftStart},
	}
	for _, f := range fields {
		if f.in == nil {
			continue
		}
		v, err := toRegister(*f.in)
		if err != nil {
			return DeviceConfig{}, fmt.Errorf("device %s: %s: %w", r.TelarKey, f.name, err)
		}
		*f.out = &v
	}

	base, err := toRegister(r.HoldingOffset)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("device %s: holdingOffset: %w", r.TelarKey, err)
	}
	cfg.HoldingOffset = base

	return cfg, nil
}

func toRegister(v int) (uint16, error) {
	if v < 0 || v > 0xFFFF {
		return 0, fmt.Errorf("register address %d out of range", v)
	}
	return uint16(v), nil
}
