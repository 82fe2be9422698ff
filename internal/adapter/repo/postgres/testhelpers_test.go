package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lumagallery/luma/internal/domain"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// setScan builds a scan func assigning values positionally into the dests.
func setScan(values ...any) func(dest ...any) error {
	return func(dest ...any) error {
		if len(dest) != len(values) {
			return fmt.Errorf("scan arity: got %d dests, stub has %d values", len(dest), len(values))
		}
		for i, v := range values {
			if v == nil {
				continue
			}
			reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
		}
		return nil
	}
}

// rowsStub implements pgx.Rows over a fixed list of scan funcs.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	r.idx++
	return r.idx <= len(r.scans)
}
func (r *rowsStub) Scan(dest ...any) error  { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Values() ([]any, error)  { return nil, nil }
func (r *rowsStub) RawValues() [][]byte     { return nil }
func (r *rowsStub) Conn() *pgx.Conn         { return nil }

// poolStub implements PgxPool. Every statement is recorded; QueryRow serves
// rowQueue entries in order, falling back to row.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      rowStub
	rowQueue []rowStub
	rows     *rowsStub
	queryErr error
	tx       *txStub

	sqls []string
	args [][]any
}

func (p *poolStub) record(sql string, args []any) {
	p.sqls = append(p.sqls, sql)
	p.args = append(p.args, args)
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.record(sql, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.record(sql, args)
	if len(p.rowQueue) > 0 {
		r := p.rowQueue[0]
		p.rowQueue = p.rowQueue[1:]
		return r
	}
	if p.row.scan == nil {
		return rowStub{scan: func(...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.record(sql, args)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.tx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.tx, nil
}

// txStub implements pgx.Tx for the transactional repo paths.
type txStub struct {
	row      rowStub
	rowQueue []rowStub
	execTag  pgconn.CommandTag
	execErr  error

	sqls       []string
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(context.Context) error          { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error        { t.rolledBack = true; return nil }

func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.sqls = append(t.sqls, sql)
	return t.execTag, t.execErr
}

func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &rowsStub{}, nil
}

func (t *txStub) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	t.sqls = append(t.sqls, sql)
	if len(t.rowQueue) > 0 {
		r := t.rowQueue[0]
		t.rowQueue = t.rowQueue[1:]
		return r
	}
	return t.row
}

func (t *txStub) Conn() *pgx.Conn { return nil }

// cardStub is a fixed CardinalityProvider.
type cardStub struct{ m map[string]int64 }

func (c cardStub) Cardinalities(domain.Context, []string, []domain.Source) (map[string]int64, error) {
	return c.m, nil
}
