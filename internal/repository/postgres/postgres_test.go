package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/repository"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: pgx.ErrNoRows, want: repository.ErrNotFound},
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, want: repository.ErrNotFound},
		{name: "unique", err: &pgconn.PgError{Code: "23505"}, want: repository.ErrInvalidArgument},
		{name: "check", err: &pgconn.PgError{Code: "23514"}, want: repository.ErrInvalidArgument},
		{name: "bad text", err: &pgconn.PgError{Code: "22P02"}, want: repository.ErrInvalidArgument},
		{name: "wrapped unique", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), want: repository.ErrInvalidArgument},
		{name: "other", err: errors.New("connection reset"), want: repository.ErrPersistence},
		{name: "domain passthrough", err: fmt.Errorf("%w: merged", domain.ErrInvalidTransition), want: domain.ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("op", tc.err), tc.want)
		})
	}
	assert.NoError(t, mapError("op", nil))
}
