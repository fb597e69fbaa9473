// Package jsonfile persists the license set as a single JSON document keyed
// by HWID, with a one-generation backup next to it. All writes go through
// temp file, fsync, rename so a crash leaves either the old or the new file.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/koltyakov/keygate/internal/domain"
)

// BackupSuffix is appended to the primary path to name the backup file.
const BackupSuffix = ".backup"

// Persister implements store.Persister on a JSON file.
type Persister struct {
	path string
	log  *slog.Logger
	now  func() time.Time
}

// record is the on-disk shape of one license. Timestamps are strings so files
// written with zone-less ISO timestamps still load.
type record struct {
	License       string  `json:"license"`
	Active        bool    `json:"active"`
	Status        string  `json:"status"`
	RegisteredAt  string  `json:"registered_at"`
	LastChecked   *string `json:"last_checked,omitempty"`
	LastDownload  *string `json:"last_download,omitempty"`
	RevokedAt     *string `json:"revoked_at,omitempty"`
	RevokeReason  string  `json:"revoke_reason,omitempty"`
	Registrations int     `json:"registrations"`
	Downloads     int     `json:"downloads"`
	LastUser      string  `json:"last_user,omitempty"`
	LastIP        string  `json:"last_ip,omitempty"`
}

// New returns a persister for path. The parent directory is created on the
// first save.
func New(path string, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{path: path, log: logger, now: time.Now}
}

// Path returns the primary file path.
func (p *Persister) Path() string { return p.path }

// BackupPath returns the backup file path.
func (p *Persister) BackupPath() string { return p.path + BackupSuffix }

// Load reads the primary file. A missing file yields no records. A file that
// cannot be decoded is renamed to <path>.corrupt-<unix> and reported as an
// error so the caller starts empty without the next save overwriting the
// backup with an empty set.
func (p *Persister) Load(_ context.Context) ([]domain.License, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}

	var doc map[string]record
	if err := json.Unmarshal(raw, &doc); err != nil {
		p.quarantine()
		return nil, fmt.Errorf("decode %s: %w", p.path, err)
	}

	out := make([]domain.License, 0, len(doc))
	for hwid, rec := range doc {
		lic, err := rec.toLicense(hwid)
		if err != nil {
			p.quarantine()
			return nil, fmt.Errorf("decode %s: %w", p.path, err)
		}
		out = append(out, lic)
	}
	return out, nil
}

// quarantine renames the primary file to <path>.corrupt-<unix>. With the
// primary gone the next save skips the backup rotation, so the backup keeps
// the last readable generation.
func (p *Persister) quarantine() {
	quarantined := p.path + ".corrupt-" + strconv.FormatInt(p.now().Unix(), 10)
	if err := os.Rename(p.path, quarantined); err != nil {
		p.log.Error("failed to move corrupt license file aside", "path", p.path, "err", err)
		return
	}
	p.log.Warn("moved corrupt license file aside", "path", quarantined)
}

// Save snapshots the current primary to the backup file (best effort), then
// atomically replaces the primary with records.
func (p *Persister) Save(_ context.Context, records []domain.License) error {
	doc := make(map[string]record, len(records))
	for _, lic := range records {
		doc[lic.HWID] = fromLicense(lic)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode licenses: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := p.backup(); err != nil {
		p.log.Warn("failed to back up license file", "path", p.BackupPath(), "err", err)
	}
	if err := writeFileAtomic(p.path, data); err != nil {
		return errors.Join(domain.ErrStorage, err)
	}
	return nil
}

// Close is a no-op; the file is not held open between saves.
func (p *Persister) Close() error { return nil }

func (p *Persister) backup() error {
	src, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(p.BackupPath(), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fromLicense(lic domain.License) record {
	return record{
		License:       lic.Key,
		Active:        lic.Active,
		Status:        lic.Status,
		RegisteredAt:  formatTime(lic.RegisteredAt),
		LastChecked:   formatTimePtr(lic.LastChecked),
		LastDownload:  formatTimePtr(lic.LastDownload),
		RevokedAt:     formatTimePtr(lic.RevokedAt),
		RevokeReason:  lic.RevokeReason,
		Registrations: lic.Registrations,
		Downloads:     lic.Downloads,
		LastUser:      lic.LastUser,
		LastIP:        lic.LastIP,
	}
}

func (r record) toLicense(hwid string) (domain.License, error) {
	lic := domain.License{
		HWID:          hwid,
		Key:           r.License,
		Active:        r.Active,
		Status:        r.Status,
		RevokeReason:  r.RevokeReason,
		Registrations: r.Registrations,
		Downloads:     r.Downloads,
		LastUser:      r.LastUser,
		LastIP:        r.LastIP,
	}
	var err error
	if r.RegisteredAt != "" {
		if lic.RegisteredAt, err = ParseTime(r.RegisteredAt); err != nil {
			return lic, fmt.Errorf("%s: registered_at: %w", domain.MaskHWID(hwid), err)
		}
	}
	if lic.LastChecked, err = parseTimePtr(r.LastChecked); err != nil {
		return lic, fmt.Errorf("%s: last_checked: %w", domain.MaskHWID(hwid), err)
	}
	if lic.LastDownload, err = parseTimePtr(r.LastDownload); err != nil {
		return lic, fmt.Errorf("%s: last_download: %w", domain.MaskHWID(hwid), err)
	}
	if lic.RevokedAt, err = parseTimePtr(r.RevokedAt); err != nil {
		return lic, fmt.Errorf("%s: revoked_at: %w", domain.MaskHWID(hwid), err)
	}
	return lic, nil
}

// zonelessLayouts cover ISO timestamps written without an offset. They are
// read as local time.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime accepts RFC 3339 and zone-less ISO 8601 timestamps.
func ParseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func parseTimePtr(v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, err := ParseTime(*v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
