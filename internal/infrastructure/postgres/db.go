package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// NewPool creates a pgx connection pool and checks that the database answers.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// conditions collects WHERE terms and their positional arguments.
type conditions struct {
	terms []string
	args  []any
}

// add appends term, replacing each "?" with the next placeholder.
func (c *conditions) add(term string, arg any) {
	c.args = append(c.args, arg)
	c.terms = append(c.terms, strings.Replace(term, "?", "$"+strconv.Itoa(len(c.args)), 1))
}

func (c *conditions) raw(term string) {
	c.terms = append(c.terms, term)
}

// page renders the WHERE clause followed by order, LIMIT and OFFSET. A
// zero limit means no limit.
func (c *conditions) page(order string, limit, offset int) (string, []any) {
	var b strings.Builder
	if len(c.terms) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(c.terms, " AND "))
	}
	n := len(c.args)
	fmt.Fprintf(&b, " ORDER BY %s LIMIT NULLIF($%d::int, 0) OFFSET $%d", order, n+1, n+2)
	return b.String(), append(c.args, limit, offset)
}
