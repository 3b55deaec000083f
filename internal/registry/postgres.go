package registry

import (
	"context"
	"fmt"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/types"
	"github.com/jackc/pgx/v5/pgxpool"
)

const mapViewQuery = `
	SELECT
		telar_key, sql_telar, telnom, grupo,
		modbus_ip, modbus_port, modbus_id, holding_offset, mode,
		coil_reset, coil_fin_turno, activo, hil_acum_offset,
		plc_hil_act_rel, plc_velocidad_rel, plc_hil_turno_rel, plc_set_rel, plc_hil_start_rel
	FROM vw_rcn_cont_telar_map
	WHERE activo = true AND ($1 = '' OR grupo = $1)
	ORDER BY telar_key
`

// PostgresSource selects the map view straight from the registry database.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(ctx context.Context, cfg config.DatabaseConfig) (*PostgresSource, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) Records(ctx context.Context, group string) ([]types.DeviceRecord, error) {
	rows, err := s.pool.Query(ctx, mapViewQuery, group)
	if err != nil {
		return nil, fmt.Errorf("failed to query map view: %w", err)
	}
	defer rows.Close()

	var records []types.DeviceRecord
	for rows.Next() {
		var (
			rec            types.DeviceRecord
			sqlTelar, name *string
			grp            *string
			holding        *int
			active         bool
		)
		if err := rows.Scan(
			&rec.TelarKey, &sqlTelar, &name, &grp,
			&rec.Host, &rec.Port, &rec.UnitID, &holding, &rec.Mode,
			&rec.CoilReset, &rec.CoilEndShift, &active, &rec.AccumOffset,
			&rec.CountRel, &rec.SpeedRel, &rec.ShiftRel, &rec.TargetRel, &rec.ShiftStartRel,
		); err != nil {
			return nil, fmt.Errorf("failed to scan map row: %w", err)
		}

		rec.SQLTelar = deref(sqlTelar)
		rec.Name = deref(name)
		rec.Group = deref(grp)
		if holding != nil {
			rec.HoldingOffset = *holding
		}
		rec.Active = types.Flag(active)

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read map view: %w", err)
	}

	return records, nil
}

func (s *PostgresSource) Close() {
	s.pool.Close()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
