// README: Durable sample log in Postgres (car_tracking table).
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cartrack/internal/types"
)

var (
	_ DurableStore = (*Archive)(nil)
	_ RangeStore   = (*Archive)(nil)
)

const sampleColumns = `id, vehicle_id, vehicle_name, latitude, longitude, speed, heading,
	status, "timestamp", fuel_level, engine_status`

// newestPerVehicle selects each vehicle's most recent row. Ties on timestamp go
// to the higher id, i.e. the later insert.
const newestPerVehicle = `
	SELECT DISTINCT ON (vehicle_id) ` + sampleColumns + `
	FROM car_tracking
	ORDER BY vehicle_id, "timestamp" DESC, id DESC`

type Archive struct {
	db *pgxpool.Pool
}

func NewArchive(db *pgxpool.Pool) *Archive {
	return &Archive{db: db}
}

// Append inserts the sample and returns its id.
func (a *Archive) Append(ctx context.Context, s Sample) (int64, error) {
	var id int64
	err := a.db.QueryRow(ctx, `
		INSERT INTO car_tracking (
			vehicle_id, vehicle_name, latitude, longitude, speed, heading,
			status, "timestamp", fuel_level, engine_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		string(s.VehicleID),
		nullString(s.VehicleName),
		s.Latitude, s.Longitude, s.Speed, s.Heading,
		nullString(s.Status),
		s.Timestamp,
		s.FuelLevel,
		nullString(s.EngineStatus),
	).Scan(&id)
	if err != nil {
		return 0, unavailable("append sample "+string(s.VehicleID), err)
	}
	return id, nil
}

func (a *Archive) FindLatestByVehicle(ctx context.Context, id types.ID) (Sample, bool, error) {
	row := a.db.QueryRow(ctx, `
		SELECT `+sampleColumns+`
		FROM car_tracking
		WHERE vehicle_id = $1
		ORDER BY "timestamp" DESC, id DESC
		LIMIT 1`, string(id))

	s, err := scanSample(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, unavailable("find latest "+string(id), err)
	}
	return s, true, nil
}

func (a *Archive) FindHistoryByVehicle(ctx context.Context, id types.ID) ([]Sample, error) {
	rows, err := a.db.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM car_tracking
		WHERE vehicle_id = $1
		ORDER BY "timestamp" DESC, id DESC`, string(id))
	if err != nil {
		return nil, unavailable("find history "+string(id), err)
	}
	return collectSamples(rows, "find history "+string(id))
}

// FindActiveWithinWindow returns the newest row of every vehicle whose newest
// row is at or after cutoff.
func (a *Archive) FindActiveWithinWindow(ctx context.Context, cutoff time.Time) ([]Sample, error) {
	rows, err := a.db.Query(ctx, `
		SELECT * FROM (`+newestPerVehicle+`) latest
		WHERE "timestamp" >= $1`, cutoff)
	if err != nil {
		return nil, unavailable("find active", err)
	}
	return collectSamples(rows, "find active")
}

// FindInArea applies the box to each vehicle's newest row, so a vehicle that
// passed through the box earlier but has since left is not returned.
func (a *Archive) FindInArea(ctx context.Context, box BoundingBox, cutoff time.Time) ([]Sample, error) {
	rows, err := a.db.Query(ctx, `
		SELECT * FROM (`+newestPerVehicle+`) latest
		WHERE "timestamp" >= $1
		  AND latitude BETWEEN $2 AND $3
		  AND longitude BETWEEN $4 AND $5`,
		cutoff, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, unavailable("find in area", err)
	}
	return collectSamples(rows, "find in area")
}

func (a *Archive) FindInTimeRange(ctx context.Context, start, end time.Time) ([]Sample, error) {
	rows, err := a.db.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM car_tracking
		WHERE "timestamp" BETWEEN $1 AND $2
		ORDER BY "timestamp" DESC, id DESC`, start, end)
	if err != nil {
		return nil, unavailable("find in time range", err)
	}
	return collectSamples(rows, "find in time range")
}

func collectSamples(rows pgx.Rows, op string) ([]Sample, error) {
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func scanSample(row pgx.Row) (Sample, error) {
	var (
		s                          Sample
		id                         int64
		vehicleID                  string
		name, status, engineStatus *string
	)
	err := row.Scan(
		&id, &vehicleID, &name,
		&s.Latitude, &s.Longitude, &s.Speed, &s.Heading,
		&status, &s.Timestamp, &s.FuelLevel, &engineStatus,
	)
	if err != nil {
		return Sample{}, err
	}
	s.ID = &id
	s.VehicleID = types.ID(vehicleID)
	s.VehicleName = derefString(name)
	s.Status = derefString(status)
	s.EngineStatus = derefString(engineStatus)
	return s, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
