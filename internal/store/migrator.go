package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/clickhouse/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

const (
	dialectClickHouse = "clickhouse"
	dialectPostgres   = "postgres"
)

// Migration is one embedded schema file, named like 001_create_alerts.sql.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// Statements returns the migration split into executable statements with
// comment lines removed.
func (m Migration) Statements() []string {
	return splitStatements(stripComments(m.SQL))
}

// Migrator applies the ClickHouse schema and records what it applied in
// schema_migrations.
type Migrator struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewMigrator creates a Migrator.
func NewMigrator(client *ClickHouseClient, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{client: client, logger: logger}
}

// Run applies every migration not yet recorded. An applied migration whose
// file changed since is reported and left alone.
func (m *Migrator) Run(ctx context.Context) error {
	err := m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			checksum String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = ReplacingMergeTree()
		ORDER BY version
	`)
	if err != nil {
		return WrapQueryError("Migrate", "schema_migrations", err)
	}

	migrations, err := loadMigrations(dialectClickHouse)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return WrapQueryError("Migrate", "schema_migrations", err)
	}

	var count int
	for _, mig := range migrations {
		if sum, ok := applied[mig.Version]; ok {
			if sum != "" && sum != mig.Checksum {
				m.logger.Warn("applied migration changed on disk",
					"version", mig.Version,
					"name", mig.Name,
				)
			}
			continue
		}

		for _, stmt := range mig.Statements() {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %03d_%s: %w", mig.Version, mig.Name, err)
			}
		}
		err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
			uint32(mig.Version), mig.Name, mig.Checksum,
		)
		if err != nil {
			return fmt.Errorf("record migration %03d_%s: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("applied migration", "version", mig.Version, "name", mig.Name)
		count++
	}

	m.logger.Debug("schema up to date", "applied", count, "total", len(migrations))
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]string, error) {
	rows, err := m.client.Query(ctx, "SELECT version, checksum FROM schema_migrations FINAL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			version  uint32
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		out[int(version)] = checksum
	}
	return out, rows.Err()
}

// loadMigrations returns the embedded migrations of one dialect ordered by
// version. Files that do not follow the naming scheme are ignored.
func loadMigrations(dialect string) ([]Migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, e := range entries {
		version, name, ok := parseMigrationName(e.Name())
		if !ok {
			continue
		}
		data, err := migrationFiles.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(data),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate %s migration version %d", dialect, out[i].Version)
		}
	}
	return out, nil
}

func parseMigrationName(file string) (int, string, bool) {
	base, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", false
	}
	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

func stripComments(sql string) string {
	lines := strings.Split(sql, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// splitStatements splits on semicolons outside quoted strings. A doubled
// quote inside a string is an escaped quote.
func splitStatements(sql string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
		case quote == 0 && r == ';':
			flush()
			continue
		case quote != 0 && r == quote:
			if i+1 < len(runes) && runes[i+1] == quote {
				cur.WriteRune(r)
				i++
			} else {
				quote = 0
			}
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}
