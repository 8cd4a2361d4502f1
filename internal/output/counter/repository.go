package outputcounter

import (
	"context"
	"database/sql"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal/database"
)

// CountRepository stores per-source match totals.
type CountRepository interface {
	LoadCounts(ctx context.Context) (map[string]uint64, error)
	BatchUpsertCounts(ctx context.Context, counts map[string]uint64) error
	CleanupOldEntries(ctx context.Context, thresholdDays int) (int64, error)
	Close() error
}

const matchCountsSchema = `CREATE TABLE IF NOT EXISTS match_counts (
        source TEXT NOT NULL PRIMARY KEY,
        count INTEGER NOT NULL,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`

type SQLiteCountRepository struct {
	db *database.DBManager
}

func NewSQLiteCountRepository(dbFile string) (*SQLiteCountRepository, error) {
	dbManager, err := database.NewDBManager(dbFile, matchCountsSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteCountRepository{db: dbManager}, nil
}

func (r *SQLiteCountRepository) LoadCounts(ctx context.Context) (map[string]uint64, error) {
	rows, err := r.db.Query(ctx, `SELECT source, count FROM match_counts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		counts[source] = uint64(count)
	}
	return counts, rows.Err()
}

func (r *SQLiteCountRepository) BatchUpsertCounts(ctx context.Context, counts map[string]uint64) error {
	return r.db.ExecuteWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
            INSERT OR REPLACE INTO match_counts
            (source, count, updated_at)
            VALUES ($1, $2, $3)
        `)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC().Format("2006-01-02 15:04:05")
		for source, count := range counts {
			if _, err := stmt.Exec(source, int64(count), now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SQLiteCountRepository) CleanupOldEntries(ctx context.Context, thresholdDays int) (int64, error) {
	cutoffDate := time.Now().UTC().AddDate(0, 0, -thresholdDays).Format("2006-01-02 15:04:05")
	query := "DELETE FROM match_counts WHERE updated_at < datetime($1)"

	res, err := r.db.ExecuteWrite(ctx, query, cutoffDate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteCountRepository) Close() error {
	return r.db.Close()
}
