package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SessionRecord is the GORM model mirroring a persisted Session.
type SessionRecord struct {
	SessionID        string `gorm:"primaryKey"`
	EngineID         string `gorm:"index"`
	WorkingDirectory string
	Model            string
	ForkedFrom       string
	PromptCount      int     `gorm:"default:0"`
	TotalCostUSD     float64 `gorm:"default:0"`
	CumulativeTokens int64   `gorm:"default:0"`
	CreatedAtEpoch   int64   `gorm:"not null"`
	LastActivityEpoch int64  `gorm:"index:idx_sessions_activity,sort:desc;not null"`
}

func (SessionRecord) TableName() string { return "sessions" }

// SQLiteStore persists sessions in a SQLite database. It implements
// Persister.
type SQLiteStore struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// OpenSQLite opens (creating if needed) the session database at path with
// WAL mode and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", Conn: sqlDB}, &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// WAL mode allows the sweep to read while a call writes.
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db, sqlDB: sqlDB}, nil
}

// Close closes the database connection.
func (p *SQLiteStore) Close() error {
	return p.sqlDB.Close()
}

func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SessionRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions")
			},
		},
	})
	return m.Migrate()
}

// SaveSession upserts one session snapshot.
func (p *SQLiteStore) SaveSession(ctx context.Context, s Session) error {
	rec := SessionRecord{
		SessionID:         s.ID,
		EngineID:          s.EngineID,
		WorkingDirectory:  s.WorkingDirectory,
		Model:             s.Model,
		ForkedFrom:        s.ForkedFrom,
		PromptCount:       s.PromptCount,
		TotalCostUSD:      s.TotalCostUSD,
		CumulativeTokens:  s.CumulativeTokens,
		CreatedAtEpoch:    s.CreatedAt.UnixMilli(),
		LastActivityEpoch: s.LastActivity.UnixMilli(),
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
}

// DeleteSession removes one persisted session.
func (p *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return p.db.WithContext(ctx).Delete(&SessionRecord{}, "session_id = ?", id).Error
}

// LoadSessions returns every persisted session.
func (p *SQLiteStore) LoadSessions(ctx context.Context) ([]Session, error) {
	var recs []SessionRecord
	if err := p.db.WithContext(ctx).Order("last_activity_epoch DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(recs))
	for _, r := range recs {
		out = append(out, Session{
			ID:               r.SessionID,
			EngineID:         r.EngineID,
			WorkingDirectory: r.WorkingDirectory,
			Model:            r.Model,
			ForkedFrom:       r.ForkedFrom,
			PromptCount:      r.PromptCount,
			TotalCostUSD:     r.TotalCostUSD,
			CumulativeTokens: r.CumulativeTokens,
			CreatedAt:        time.UnixMilli(r.CreatedAtEpoch),
			LastActivity:     time.UnixMilli(r.LastActivityEpoch),
		})
	}
	return out, nil
}
