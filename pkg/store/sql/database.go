package sql

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ncruces/go-sqlite3/gormlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/store/sql/model"

	_ "github.com/ncruces/go-sqlite3/embed" // sqlite3 wasm binary
)

// NewDatabase opens the database named by the store URL. The scheme selects
// the dialect: postgres, postgresql, mysql, mssql or sqlite.
func NewDatabase(ctx context.Context, logger *logrus.Logger, cfg config.StoreConfig) (*gorm.DB, error) {
	uri, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store URL %q: %w", cfg.URL, err)
	}

	var dialector gorm.Dialector

	switch strings.ToLower(uri.Scheme) {
	case "postgres", "postgresql":
		dialector = postgres.Open(uri.String())
	case "mysql":
		dialector = mysql.Open(fmt.Sprintf("%s@tcp(%s)%s?%s", uri.User, uri.Host, uri.Path, uri.RawQuery))
	case "mssql":
		uri.Scheme = "sqlserver"
		dialector = sqlserver.Open(uri.String())
	case "sqlite":
		path := strings.TrimPrefix(uri.Path, "/")
		if uri.Host != "" {
			path = uri.Host + uri.Path
		}

		if path == "" {
			return nil, fmt.Errorf("sqlite store URL %q has no database path", cfg.URL)
		}

		dialector = gormlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported store URL scheme %q", uri.Scheme)
	}

	database, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newQueryLogger(logger, cfg.SlowQueryThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database %q: %w", uri.Redacted(), err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	// sqlite serialises writers, a single connection avoids SQLITE_BUSY.
	if database.Dialector.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := database.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return database, nil
}
