package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CredentialRecord is the table row backing the sqlite store.
type CredentialRecord struct {
	Name      string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"not null"`
	Secure    bool
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// SQLite stores records in a gorm-managed table. A batch is written in one
// transaction.
type SQLite struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dsn and migrates the
// credential table. When dsn is a plain file path its directory is created
// too.
func OpenSQLite(dsn string) (*SQLite, error) {
	if dir := sqliteDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	return NewSQLite(db)
}

// sqliteDir returns the directory holding a file-path DSN. URI and in-memory
// DSNs are left to the driver.
func sqliteDir(dsn string) string {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return ""
	}

	path, _, _ := strings.Cut(dsn, "?")
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// NewSQLite uses an existing database handle.
func NewSQLite(db *gorm.DB) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("sqlite store requires database handle")
	}

	if err := db.AutoMigrate(&CredentialRecord{}); err != nil {
		return nil, fmt.Errorf("migrate credential table: %w", err)
	}

	return &SQLite{
		db:  db,
		now: time.Now,
	}, nil
}

func (s *SQLite) Set(ctx context.Context, records ...Record) error {
	if err := validate(records); err != nil {
		return err
	}

	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range records {
			row := &CredentialRecord{
				Name:      r.Name,
				Value:     r.Value,
				Secure:    r.Secure,
				ExpiresAt: now.Add(r.TTL),
			}
			// Save upserts by primary key
			if err := tx.Save(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StoreError{Operation: "set", Store: "sqlite", Cause: err}
	}

	return nil
}

func (s *SQLite) Get(ctx context.Context, name string) (Record, bool, error) {
	var row CredentialRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &StoreError{Operation: "get", Store: "sqlite", Cause: err}
	}

	e := entry{Value: row.Value, Secure: row.Secure, ExpiresAt: row.ExpiresAt}
	now := s.now()
	if e.expired(now) {
		return Record{}, false, nil
	}

	return e.record(name, now), true, nil
}

func (s *SQLite) Delete(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Where("name IN ?", names).Delete(&CredentialRecord{}).Error
	if err != nil {
		return &StoreError{Operation: "delete", Store: "sqlite", Cause: err}
	}

	return nil
}

// CleanupExpired removes rows whose expiry has passed.
func (s *SQLite) CleanupExpired(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&CredentialRecord{}).
		Error
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
