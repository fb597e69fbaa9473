package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/koltyakov/keygate/internal/domain"
)

const insertLicenseQuery = `
INSERT INTO licenses(hwid, license_key, active, status, registered_at, last_checked, last_download,
 revoked_at, revoke_reason, registrations, downloads, last_user, last_ip)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Load returns every stored license ordered by HWID.
func (s *Store) Load(ctx context.Context) ([]domain.License, error) {
	rows, err := s.selectAllStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query licenses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.License
	for rows.Next() {
		var (
			lic                                  domain.License
			active                               int
			registeredAt                         string
			lastChecked, lastDownload, revokedAt sql.NullString
			revokeReason, lastUser, lastIP       sql.NullString
		)
		if err := rows.Scan(&lic.HWID, &lic.Key, &active, &lic.Status, &registeredAt,
			&lastChecked, &lastDownload, &revokedAt, &revokeReason,
			&lic.Registrations, &lic.Downloads, &lastUser, &lastIP); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		lic.Active = active != 0
		lic.RevokeReason = revokeReason.String
		lic.LastUser = lastUser.String
		lic.LastIP = lastIP.String
		if lic.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt); err != nil {
			return nil, fmt.Errorf("license %s: registered_at: %w", domain.MaskHWID(lic.HWID), err)
		}
		if lic.LastChecked, err = parseNullTime(lastChecked); err != nil {
			return nil, fmt.Errorf("license %s: last_checked: %w", domain.MaskHWID(lic.HWID), err)
		}
		if lic.LastDownload, err = parseNullTime(lastDownload); err != nil {
			return nil, fmt.Errorf("license %s: last_download: %w", domain.MaskHWID(lic.HWID), err)
		}
		if lic.RevokedAt, err = parseNullTime(revokedAt); err != nil {
			return nil, fmt.Errorf("license %s: revoked_at: %w", domain.MaskHWID(lic.HWID), err)
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

// Save snapshots the current database to the backup file (best effort), then
// replaces every row with records in a single transaction.
func (s *Store) Save(ctx context.Context, records []domain.License) error {
	if err := s.Backup(ctx); err != nil {
		s.log.Warn("failed to back up license database", "path", s.BackupPath(), "err", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(domain.ErrStorage, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM licenses`); err != nil {
		return errors.Join(domain.ErrStorage, fmt.Errorf("clear licenses: %w", err))
	}
	stmt, err := tx.PrepareContext(ctx, insertLicenseQuery)
	if err != nil {
		return errors.Join(domain.ErrStorage, fmt.Errorf("prepare insert license: %w", err))
	}
	defer func() { _ = stmt.Close() }()

	for _, lic := range records {
		if _, err := stmt.ExecContext(ctx,
			lic.HWID,
			lic.Key,
			boolToInt(lic.Active),
			lic.Status,
			lic.RegisteredAt.UTC().Format(time.RFC3339Nano),
			nullableTime(lic.LastChecked),
			nullableTime(lic.LastDownload),
			nullableTime(lic.RevokedAt),
			nullableString(lic.RevokeReason),
			lic.Registrations,
			lic.Downloads,
			nullableString(lic.LastUser),
			nullableString(lic.LastIP),
		); err != nil {
			return errors.Join(domain.ErrStorage, fmt.Errorf("insert license %s: %w", domain.MaskHWID(lic.HWID), err))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(domain.ErrStorage, fmt.Errorf("commit licenses: %w", err))
	}
	return nil
}

// Backup writes a consistent copy of the database to BackupPath. In-memory
// databases are skipped.
func (s *Store) Backup(ctx context.Context) error {
	if isMemoryPath(s.path) {
		return nil
	}
	tmpPath := s.BackupPath() + ".tmp"
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale backup temp: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	if err := os.Rename(tmpPath, s.BackupPath()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename backup: %w", err)
	}
	return nil
}
