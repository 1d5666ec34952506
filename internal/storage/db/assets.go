package db

import (
	"fmt"
	"time"
)

// InstalledAsset is an asset whose commit succeeded
type InstalledAsset struct {
	Kuid        string
	Username    string
	Revision    int
	InstalledAt time.Time
}

// SaveInstalledAsset inserts or updates an installed asset record
func (d *DB) SaveInstalledAsset(a InstalledAsset) error {
	installedAt := a.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now()
	}

	_, err := d.Exec(`
		INSERT INTO installed_assets (kuid, username, revision, installed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kuid) DO UPDATE SET
			username = excluded.username,
			revision = excluded.revision,
			installed_at = excluded.installed_at
	`, a.Kuid, a.Username, a.Revision, installedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving installed asset: %w", err)
	}
	return nil
}

// GetInstalledAssets returns all installed assets ordered by kuid
func (d *DB) GetInstalledAssets() ([]InstalledAsset, error) {
	rows, err := d.Query(`
		SELECT kuid, username, revision, installed_at
		FROM installed_assets
		ORDER BY kuid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying installed assets: %w", err)
	}
	defer rows.Close()

	var assets []InstalledAsset
	for rows.Next() {
		var a InstalledAsset
		if err := rows.Scan(&a.Kuid, &a.Username, &a.Revision, &a.InstalledAt); err != nil {
			return nil, fmt.Errorf("scanning installed asset: %w", err)
		}
		assets = append(assets, a)
	}

	return assets, rows.Err()
}

// CountInstalledAssets returns the number of installed asset records
func (d *DB) CountInstalledAssets() (int, error) {
	var count int
	if err := d.QueryRow("SELECT COUNT(*) FROM installed_assets").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting installed assets: %w", err)
	}
	return count, nil
}
