package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"trendbot/internal/logger"
	"trendbot/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrNotFound       = errors.New("Запись не найдена.")
	ErrPositionExists = errors.New("Открытая позиция по паре уже существует.")
)

type Store struct {
	db *gorm.DB
}

type Tx struct {
	db *gorm.DB
}

func Open(path string, log *logger.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("Не удалось создать каталог БД: %w", err)
			}
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(log.WithComponent("store"), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть БД: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("Не удалось получить соединение БД: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Order{},
		&models.Position{},
		&LedgerDay{},
		&LedgerAdjustment{},
		&Control{},
	); err != nil {
		return nil, fmt.Errorf("Не удалось выполнить миграцию БД: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx выполняет fn в одной транзакции. Сетевые вызовы внутри fn недопустимы.
func (s *Store) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
}

func (s *Store) View(ctx context.Context) *Tx {
	return &Tx{db: s.db.WithContext(ctx)}
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
