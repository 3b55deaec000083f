package types

import "time"

// CacheRecord is the authoritative per-loom record held by the cache service.
type CacheRecord struct {
	Key           string     `json:"telcod"`
	SessionRef    *int64     `json:"sescod"`
	WorkerCode    *string    `json:"tracod"`
	WorkerName    *string    `json:"traraz"`
	ShiftCode     *string    `json:"turno_cod"`
	SessionActive Flag       `json:"session_active"`
	SessionStart  *time.Time `json:"inicio_dt,omitempty"`
	Production    int64      `json:"hil_act"`
	Shift         int64      `json:"hil_turno"`
	ShiftStart    int64      `json:"hil_start"`
	Target        int64      `json:"set_value"`
	Velocity      int64      `json:"velocidad"`
	AccumOffset   *int64     `json:"hil_acum_offset"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CacheUpdate is the partial upsert the poller sends every cycle. Session and
// worker fields are owned by the session layer and never sent from here.
type CacheUpdate struct {
	Key        string `json:"telcod"`
	Production int64  `json:"hil_act"`
	Shift      int64  `json:"hil_turno"`
	Velocity   int64  `json:"velocidad"`
}

// Snapshot is the broadcast unit for one loom and one cycle.
type Snapshot struct {
	Key           string     `json:"telcod"`
	Timestamp     time.Time  `json:"ts"`
	Name          string     `json:"telnom"`
	Group         string     `json:"grupo"`
	Mode          Mode       `json:"mode"`
	Production    int64      `json:"hil_act"`
	Shift         int64      `json:"hil_turno"`
	ShiftStart    int64      `json:"hil_start"`
	Target        int64      `json:"set_value"`
	Velocity      int64      `json:"velocidad"`
	SessionActive Flag       `json:"session_active"`
	WorkerCode    *string    `json:"tracod"`
	WorkerName    *string    `json:"traraz"`
	ShiftCode     *string    `json:"turno_cod"`
	SessionStart  *time.Time `json:"inicio_dt"`
}
