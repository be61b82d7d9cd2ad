package dbx

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"match-event-delivery/shared/config"
	"match-event-delivery/shared/faultx"
)

func TestClassifySQLState(t *testing.T) {
	ctx := context.Background()
	cases := map[string]faultx.Kind{
		"08006": faultx.KindConnection,
		"57P01": faultx.KindUnavailable,
		"57014": faultx.KindTimeout,
		"53300": faultx.KindUnavailable,
		"40001": faultx.KindUnavailable,
		"23505": faultx.KindValidation,
		"22P02": faultx.KindValidation,
		"42P01": faultx.KindUnknown,
	}
	for code, want := range cases {
		if got := faultx.KindOf(Classify(ctx, &pgconn.PgError{Code: code})); got != want {
			t.Fatalf("%s: expected %s, got %s", code, want, got)
		}
	}
	if got := faultx.KindOf(Classify(ctx, errors.New("boom"))); got != faultx.KindUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestNewPoolRequiresURL(t *testing.T) {
	if _, err := NewPool(config.Config{}); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}
