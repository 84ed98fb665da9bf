package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// entry is the row layout of the kv_entries table.
type entry struct {
	Key       string     `gorm:"primaryKey;size:512"`
	Value     []byte     `gorm:"not null"`
	Counter   int64      `gorm:"not null;default:0"`
	ExpiresAt *time.Time `gorm:"index"`
}

// TableName pins the table name independently of the struct name.
func (entry) TableName() string {
	return "kv_entries"
}

// Compile-time interface check.
var _ Store = (*gormStore)(nil)

type gormStore struct {
	log logrus.FieldLogger
	cfg *config.KVConfig
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a Store backed by SQLite or PostgreSQL through gorm.
func NewGormStore(log logrus.FieldLogger, cfg *config.KVConfig) Store {
	return &gormStore{
		log: log.WithField("component", "kv"),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the database connection and runs migrations.
func (s *gormStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening kv database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection keeps ":memory:" databases shared and avoids
		// SQLITE_BUSY between concurrent writers.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&entry{}); err != nil {
		return fmt.Errorf("running kv migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("KV database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *gormStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// live restricts a query to rows that have not expired.
func (s *gormStore) live(tx *gorm.DB) *gorm.DB {
	return tx.Where("expires_at IS NULL OR expires_at > ?", s.now())
}

func (s *gormStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.db == nil {
		return nil, unavailable("getting "+key, errors.New("store not started"))
	}

	var e entry

	err := s.db.WithContext(ctx).
		Scopes(s.live).
		Where("key = ?", key).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, unavailable("getting "+key, err)
	}

	return e.Value, nil
}

func (s *gormStore) Set(ctx context.Context, key string, value []byte) error {
	if s.db == nil {
		return unavailable("setting "+key, errors.New("store not started"))
	}

	e := entry{Key: key, Value: value}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
		}).
		Create(&e).Error; err != nil {
		return unavailable("setting "+key, err)
	}

	return nil
}

func (s *gormStore) Delete(ctx context.Context, key string) error {
	if s.db == nil {
		return unavailable("deleting "+key, errors.New("store not started"))
	}

	if err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Delete(&entry{}).Error; err != nil {
		return unavailable("deleting "+key, err)
	}

	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *gormStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if s.db == nil {
		return nil, unavailable("listing "+prefix, errors.New("store not started"))
	}

	var rows []entry
	if err := s.db.WithContext(ctx).
		Scopes(s.live).
		Where(`key LIKE ? ESCAPE '\'`, likeEscaper.Replace(prefix)+"%").
		Order("key ASC").
		Find(&rows).Error; err != nil {
		return nil, unavailable("listing "+prefix, err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{Key: r.Key, Value: r.Value})
	}

	return out, nil
}

func (s *gormStore) Incr(ctx context.Context, key string) (int64, error) {
	if s.db == nil {
		return 0, unavailable("incrementing "+key, errors.New("store not started"))
	}

	var n int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := entry{Key: key, Value: []byte("1"), Counter: 1}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"counter": gorm.Expr("kv_entries.counter + 1"),
			}),
		}).Create(&seed).Error; err != nil {
			return err
		}

		var e entry
		if err := tx.Where("key = ?", key).Take(&e).Error; err != nil {
			return err
		}

		n = e.Counter

		return tx.Model(&entry{}).
			Where("key = ?", key).
			Update("value", []byte(strconv.FormatInt(n, 10))).Error
	})
	if err != nil {
		return 0, unavailable("incrementing "+key, err)
	}

	return n, nil
}

func (s *gormStore) SetNX(
	ctx context.Context, key string, value []byte, ttl time.Duration,
) (bool, error) {
	if s.db == nil {
		return false, unavailable("acquiring "+key, errors.New("store not started"))
	}

	now := s.now()

	e := entry{Key: key, Value: value}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		e.ExpiresAt = &expiresAt
	}

	var stored bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("key = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, now).
			Delete(&entry{}).Error; err != nil {
			return err
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
		if result.Error != nil {
			return result.Error
		}

		stored = result.RowsAffected == 1

		return nil
	})
	if err != nil {
		return false, unavailable("acquiring "+key, err)
	}

	return stored, nil
}
