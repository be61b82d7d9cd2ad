package dbx

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"match-event-delivery/shared/config"
	"match-event-delivery/shared/faultx"
)

const dependency = "postgres"

func NewPool(cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MinConns = int32(cfg.DBMinConns)
	poolCfg.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	poolCfg.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second

	return pgxpool.NewWithConfig(context.Background(), poolCfg)
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("db pool is nil")
	}
	var one int
	return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Classify maps pgx errors onto faultx kinds by SQLSTATE class.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var fe *faultx.Error
	if errors.As(err, &fe) {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return faultx.New(faultx.KindCanceled, dependency, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "08"):
			return faultx.New(faultx.KindConnection, dependency, err)
		case code == "57014":
			return faultx.New(faultx.KindTimeout, dependency, err)
		case strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"), code == "40001", code == "40P01":
			return faultx.New(faultx.KindUnavailable, dependency, err)
		case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
			return faultx.New(faultx.KindValidation, dependency, err)
		}
		return faultx.New(faultx.KindUnknown, dependency, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return faultx.New(faultx.KindTimeout, dependency, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return faultx.New(faultx.KindConnection, dependency, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return faultx.New(faultx.KindConnection, dependency, err)
	}
	return faultx.New(faultx.KindUnknown, dependency, err)
}
