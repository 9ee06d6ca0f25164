package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/device"
)

var log = logging.Logger("db")

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Database encapsulates interaction with the SQLite database
type Database struct {
	db *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(db *sql.DB) *Database {
	return &Database{db: db}
}

// Setting is a stored gateway setting
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceStats describes the archive of one device
type DeviceStats struct {
	SN       string `json:"sn"`
	Samples  int    `json:"samples"`
	FirstMTS int64  `json:"first_mts"`
	LastMTS  int64  `json:"last_mts"`
}

type Storage interface {
	// Harvest related methods
	SaveHarvest(batch api.HarvestBatch) (int, error)
	GetHarvests(sn string, limit int) ([]api.Sample, error)
	GetLatestHarvest(sn string) (api.Sample, error)
	GetDeviceStats() ([]DeviceStats, error)

	// Settings related methods
	SaveSetting(key, value string, at time.Time) error
	GetSettings() ([]Setting, error)
}

var _ Storage = (*Database)(nil)

// SaveHarvest archives a batch in one transaction and returns the number of
// new samples. Samples already archived for the same device and time are
// skipped, so a retried batch is stored once.
func (d *Database) SaveHarvest(batch api.HarvestBatch) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, xerrors.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
    INSERT OR IGNORE INTO harvest (sn, batch_id, mts, registers)
    VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, xerrors.Errorf("prepare: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	saved := 0
	for _, sample := range batch.Samples {
		regs, err := json.Marshal(sample.Registers)
		if err != nil {
			return 0, xerrors.Errorf("encoding registers of %d: %w", sample.MTS, err)
		}
		result, err := stmt.Exec(batch.SN, batch.ID, sample.MTS, string(regs))
		if err != nil {
			return 0, xerrors.Errorf("inserting sample %d: %w", sample.MTS, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		saved += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, xerrors.Errorf("commit: %w", err)
	}
	log.Debugw("archived batch", "batch", batch.ID, "sn", batch.SN, "saved", saved, "samples", len(batch.Samples))
	return saved, nil
}

// GetHarvests retrieves the latest archived samples of a device, newest first
func (d *Database) GetHarvests(sn string, limit int) ([]api.Sample, error) {
	query := `
    SELECT mts, registers
    FROM harvest
    WHERE sn = ?
    ORDER BY mts DESC
    LIMIT ?`

	rows, err := d.db.Query(query, sn, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	samples := []api.Sample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return samples, nil
}

// GetLatestHarvest retrieves the newest archived sample of a device
func (d *Database) GetLatestHarvest(sn string) (api.Sample, error) {
	row := d.db.QueryRow(`
    SELECT mts, registers
    FROM harvest
    WHERE sn = ?
    ORDER BY mts DESC
    LIMIT 1`, sn)

	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Sample{}, xerrors.Errorf("harvest of %s: %w", sn, ErrNotFound)
	}
	return s, err
}

// GetDeviceStats lists every archived device
func (d *Database) GetDeviceStats() ([]DeviceStats, error) {
	rows, err := d.db.Query(`
    SELECT sn, COUNT(*), MIN(mts), MAX(mts)
    FROM harvest
    GROUP BY sn
    ORDER BY sn`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	stats := []DeviceStats{}
	for rows.Next() {
		var s DeviceStats
		if err := rows.Scan(&s.SN, &s.Samples, &s.FirstMTS, &s.LastMTS); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// SaveSetting stores or replaces a setting
func (d *Database) SaveSetting(key, value string, at time.Time) error {
	_, err := d.db.Exec(`
    INSERT INTO settings (key, value, updated_at)
    VALUES (?, ?, ?)
    ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, at.UnixMilli())
	if err != nil {
		return xerrors.Errorf("saving setting %s: %w", key, err)
	}
	return nil
}

// GetSettings retrieves every stored setting ordered by key
func (d *Database) GetSettings() ([]Setting, error) {
	rows, err := d.db.Query(`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	settings := []Setting{}
	for rows.Next() {
		var s Setting
		var updatedAt int64
		if err := rows.Scan(&s.Key, &s.Value, &updatedAt); err != nil {
			return nil, err
		}
		s.UpdatedAt = time.UnixMilli(updatedAt)
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// Close closes the database
func (d *Database) Close() error {
	return d.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(row scanner) (api.Sample, error) {
	var s api.Sample
	var regs string
	if err := row.Scan(&s.MTS, &regs); err != nil {
		return api.Sample{}, err
	}
	s.Registers = device.Registers{}
	if err := json.Unmarshal([]byte(regs), &s.Registers); err != nil {
		return api.Sample{}, xerrors.Errorf("decoding registers of %d: %w", s.MTS, err)
	}
	return s, nil
}
