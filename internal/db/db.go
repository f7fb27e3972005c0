package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/xxxsen/docindex/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MaxIndexedVectorDim and MaxIndexedHalfvecDim are the hnsw limits of
// pgvector for the vector and halfvec types.
const (
	MaxIndexedVectorDim  = 2000
	MaxIndexedHalfvecDim = 4000
)

func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		sslmode := cfg.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslmode)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpen
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ApplyMigrations(db *sql.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return err
		}
		queries := strings.Split(string(content), ";")
		for _, q := range queries {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			if _, err := db.Exec(q); err != nil {
				if strings.Contains(err.Error(), "already exists") {
					continue
				}
				return fmt.Errorf("execute query in %s: %w", file, err)
			}
		}
	}
	return nil
}

// VectorType returns the pgvector type used to index and query vectors of
// the given width: vector up to 2000 dims, halfvec up to 4000, and "" when
// the width cannot be indexed at all.
func VectorType(dimension int) string {
	switch {
	case dimension <= 0:
		return ""
	case dimension <= MaxIndexedVectorDim:
		return "vector"
	case dimension <= MaxIndexedHalfvecDim:
		return "halfvec"
	}
	return ""
}

// EnsureVectorIndex creates the hnsw expression index serving similarity
// search for one deployment dimension and metric. Widths above the
// pgvector limit are left unindexed and fall back to an exact scan.
func EnsureVectorIndex(db *sql.DB, dimension int, metric string) (bool, error) {
	typ := VectorType(dimension)
	if typ == "" {
		return false, nil
	}
	ops := typ + "_cosine_ops"
	if metric == config.MetricL2 {
		ops = typ + "_l2_ops"
	}
	query := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS doc_chunks_embedding_%s_%d_%s ON doc_chunks USING hnsw ((embedding::%s(%d)) %s) WHERE dimension = %d`,
		typ, dimension, metric, typ, dimension, ops, dimension,
	)
	if _, err := db.Exec(query); err != nil {
		return false, fmt.Errorf("create vector index: %w", err)
	}
	return true, nil
}
