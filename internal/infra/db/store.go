package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"takserver/internal/config"

	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	DB *gorm.DB

	Accounts     *AccountRepository
	Devices      *DeviceRepository
	Certificates *CertificateRepository
	Packages     *PackageRepository
}

func NewStore(cfg config.Config) (*Store, error) {
	var (
		gdb *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	switch strings.ToLower(cfg.DatabaseDriver) {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("DATABASE_DRIVER=postgres requires POSTGRES_DSN")
		}
		gdb, err = gorm.Open(postgres.Open(cfg.PostgresDSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		gdb, err = gorm.Open(gormlite.Open(SQLiteDSN(cfg.SQLitePath)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	slog.Info("database connected", "driver", gdb.Dialector.Name())
	return NewStoreFromDB(gdb), nil
}

func NewStoreFromDB(gdb *gorm.DB) *Store {
	return &Store{
		DB:           gdb,
		Accounts:     NewAccountRepository(gdb),
		Devices:      NewDeviceRepository(gdb),
		Certificates: NewCertificateRepository(gdb),
		Packages:     NewPackageRepository(gdb),
	}
}

// SQLiteDSN opens path in WAL mode. Transactions take the write lock at
// BEGIN so concurrent writers queue on busy_timeout instead of failing.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func (s *Store) Migrate(ctx context.Context) error {
	if s.DB == nil {
		return errDBUnavailable
	}
	if err := s.DB.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.DB == nil {
		return errDBUnavailable
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
