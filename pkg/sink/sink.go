// Package sink applies a validated submission to the package's
// database destination. All catalogs of a package are written in one
// transaction; the optional pre_validation endpoint is consulted
// between staging and commit.
package sink

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	// drivers a destination block may name
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/sagedata/sage/pkg/logger"
	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

// OpenFunc opens a database handle for a driver and DSN. Tests swap
// this for a sqlmock-backed handle.
type OpenFunc func(driver, dsn string) (*sqlx.DB, error)

// Sink writes validated tables to their destination.
type Sink struct {
	log  logger.Interface
	http *http.Client
	open OpenFunc
}

// Option configures a Sink.
type Option func(*Sink)

// WithHTTPClient replaces the client used for pre_validation calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sink) { s.http = client }
}

// WithOpenFunc replaces how database handles are opened.
func WithOpenFunc(open OpenFunc) Option {
	return func(s *Sink) { s.open = open }
}

// New creates a Sink.
func New(log logger.Interface, opts ...Option) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	s := &Sink{
		log:  log,
		http: &http.Client{Timeout: 30 * time.Second},
		open: sqlx.Open,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply writes every catalog of the package in a single transaction.
// Database failures and pre_validation rejections become ERROR
// findings and roll the transaction back. A cancelled context returns
// the context error and no findings.
func (s *Sink) Apply(ctx context.Context, sch *schema.Schema, pkg *schema.Package, tables map[string]*types.Table, sub *types.Submission) (*types.Diagnostic, error) {
	diag := &types.Diagnostic{}
	dest := pkg.Destination
	if dest == nil || !dest.Enabled {
		return diag, nil
	}

	driver, dsn, err := resolveDSN(&dest.Connection)
	if err != nil {
		diag.Append(sinkFinding("", err.Error()))
		return diag, nil
	}

	db, err := s.open(driver, dsn)
	if err != nil {
		diag.Append(sinkFinding("", fmt.Sprintf("cannot open database: %v", err)))
		return diag, nil
	}
	defer db.Close()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		if cancelled(ctx, err) {
			return nil, ctx.Err()
		}
		diag.Append(sinkFinding("", fmt.Sprintf("cannot begin transaction: %v", err)))
		return diag, nil
	}

	for _, ref := range pkg.Catalogs {
		catalog, err := sch.Catalog(ref.Catalog)
		if err != nil {
			diag.Append(sinkFinding(ref.LogicalName, err.Error()))
			tx.Rollback()
			return diag, nil
		}
		table, ok := tables[ref.LogicalName]
		if !ok {
			diag.Append(sinkFinding(ref.LogicalName, fmt.Sprintf("no table loaded for catalog %q", ref.LogicalName)))
			tx.Rollback()
			return diag, nil
		}

		target := targetTable(pkg, ref)
		if err := s.applyTable(ctx, tx, driver, catalog, table, target, dest.InsertionMethod); err != nil {
			if cancelled(ctx, err) {
				tx.Rollback()
				return nil, ctx.Err()
			}
			diag.Append(sinkFinding(ref.LogicalName, fmt.Sprintf("database error on %q: %v", target, err)))
			tx.Rollback()
			return diag, nil
		}
	}

	if dest.PreValidation != nil {
		if err := s.stageAndPreValidate(ctx, tx, sch, pkg, tables, sub, diag); err != nil {
			tx.Rollback()
			if cancelled(ctx, err) {
				return nil, ctx.Err()
			}
			return diag, nil
		}
	}

	if err := tx.Commit(); err != nil {
		if cancelled(ctx, err) {
			return nil, ctx.Err()
		}
		diag.Append(sinkFinding("", fmt.Sprintf("cannot commit transaction: %v", err)))
		return diag, nil
	}

	s.log.Info("submission applied", "package", pkg.Name, "submission", sub.ID, "method", dest.InsertionMethod)
	return diag, nil
}

// applyTable writes one table using the configured insertion method.
func (s *Sink) applyTable(ctx context.Context, tx *sqlx.Tx, driver string, catalog *schema.Catalog, table *types.Table, target, method string) error {
	columns := insertableColumns(catalog, table)
	if len(columns) == 0 {
		return errors.Errorf("none of the declared columns of %q are present in the input", catalog.Name)
	}

	switch method {
	case schema.InsertMethodReplace:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(target))); err != nil {
			return err
		}
		return s.insertRows(ctx, tx, table, columns, target)
	case schema.InsertMethodUpsert:
		return s.upsertRows(ctx, tx, driver, catalog, table, columns, target)
	default: // insert
		return s.insertRows(ctx, tx, table, columns, target)
	}
}

func (s *Sink) insertRows(ctx context.Context, tx *sqlx.Tx, table *types.Table, columns []string, target string) error {
	query := tx.Rebind(insertStatement(target, columns))
	for i := 0; i < table.RowCount(); i++ {
		args, err := rowArgs(table, columns, i)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "row %d", i+1)
		}
	}
	return nil
}

// upsertRows inserts with per-dialect conflict handling. The catalog's
// unique fields define the conflict target; without unique fields the
// method degrades to a plain insert.
func (s *Sink) upsertRows(ctx context.Context, tx *sqlx.Tx, driver string, catalog *schema.Catalog, table *types.Table, columns []string, target string) error {
	keys := catalog.UniqueFields()
	if len(keys) == 0 {
		return s.insertRows(ctx, tx, table, columns, target)
	}

	switch normalizeDriver(driver) {
	case "postgres":
		query := tx.Rebind(postgresUpsert(target, columns, keys))
		for i := 0; i < table.RowCount(); i++ {
			args, err := rowArgs(table, columns, i)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.Wrapf(err, "row %d", i+1)
			}
		}
		return nil
	case "mysql":
		query := tx.Rebind(mysqlUpsert(target, columns, keys))
		for i := 0; i < table.RowCount(); i++ {
			args, err := rowArgs(table, columns, i)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.Wrapf(err, "row %d", i+1)
			}
		}
		return nil
	}

	// generic fallback: update first, insert when nothing matched
	update := tx.Rebind(updateStatement(target, columns, keys))
	insert := tx.Rebind(insertStatement(target, columns))
	for i := 0; i < table.RowCount(); i++ {
		args, err := rowArgs(table, columns, i)
		if err != nil {
			return err
		}
		keyArgs, err := rowArgs(table, keys, i)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, update, append(args, keyArgs...)...)
		if err != nil {
			return errors.Wrapf(err, "row %d", i+1)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrapf(err, "row %d", i+1)
		}
		if affected == 0 {
			if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
				return errors.Wrapf(err, "row %d", i+1)
			}
		}
	}
	return nil
}

// insertableColumns returns the declared columns that the input
// actually carries, in declaration order. Undeclared input columns are
// never written.
func insertableColumns(catalog *schema.Catalog, table *types.Table) []string {
	var out []string
	for _, field := range catalog.Fields {
		if table.HasColumn(field.Name) {
			out = append(out, field.Name)
		}
	}
	return out
}

func rowArgs(table *types.Table, columns []string, row int) ([]interface{}, error) {
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		cell, err := table.Cell(row+1, col)
		if err != nil {
			return nil, err
		}
		if cell.Null {
			args[i] = nil
			continue
		}
		args[i] = cell.Raw
	}
	return args, nil
}

func insertStatement(target string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(target), joinIdents(columns), placeholders(len(columns)))
}

func updateStatement(target string, columns, keys []string) string {
	sets := make([]string, len(columns))
	for i, col := range columns {
		sets[i] = fmt.Sprintf("%s = ?", quoteIdent(col))
	}
	wheres := make([]string, len(keys))
	for i, key := range keys {
		wheres[i] = fmt.Sprintf("%s = ?", quoteIdent(key))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(target), strings.Join(sets, ", "), strings.Join(wheres, " AND "))
}

func postgresUpsert(target string, columns, keys []string) string {
	sets := make([]string, 0, len(columns))
	for _, col := range columns {
		if contains(keys, col) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
	}
	conflict := fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", joinIdents(keys))
	if len(sets) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", joinIdents(keys), strings.Join(sets, ", "))
	}
	return fmt.Sprintf("%s %s", insertStatement(target, columns), conflict)
}

func mysqlUpsert(target string, columns, keys []string) string {
	sets := make([]string, 0, len(columns))
	for _, col := range columns {
		if contains(keys, col) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", quoteIdent(col), quoteIdent(col)))
	}
	if len(sets) == 0 {
		for _, key := range keys {
			sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(key), quoteIdent(key)))
		}
	}
	return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s", insertStatement(target, columns), strings.Join(sets, ", "))
}

func placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ", ")
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quoteIdent(name)
	}
	return strings.Join(quoted, ", ")
}

// quoteIdent strips everything but the characters a sane identifier
// carries. Identifiers come from configuration, not user data, but the
// configuration is still untrusted input.
func quoteIdent(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// resolveDSN builds the driver name and DSN from the connection
// declaration. An env_key takes precedence over explicit coordinates.
func resolveDSN(conn *schema.Connection) (string, string, error) {
	driver := normalizeDriver(conn.Driver)
	if driver == "" {
		return "", "", errors.New("destination connection declares no driver")
	}
	if conn.EnvKey != "" {
		dsn := os.Getenv(conn.EnvKey)
		if dsn == "" {
			return "", "", errors.Errorf("connection env key %q is not set", conn.EnvKey)
		}
		return driver, dsn, nil
	}
	switch driver {
	case "postgres":
		return driver, fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			conn.User, conn.Password, conn.Host, conn.Port, conn.Database), nil
	case "mysql":
		return driver, fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			conn.User, conn.Password, conn.Host, conn.Port, conn.Database), nil
	}
	return "", "", errors.Errorf("driver %q needs an env_key connection string", conn.Driver)
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	case "":
		return ""
	}
	return strings.ToLower(driver)
}

// targetTable picks the destination table of one catalog. A single
// catalog package writes to target_table directly; a multi-catalog
// package qualifies the table name with the logical catalog name.
func targetTable(pkg *schema.Package, ref *schema.CatalogRef) string {
	target := pkg.Destination.TargetTable
	if len(pkg.Catalogs) == 1 {
		return target
	}
	return target + "_" + ref.LogicalName
}

func contains(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}

func cancelled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sinkFinding(catalog, message string) *types.Finding {
	return &types.Finding{
		Severity: types.Severity_ERROR,
		Scope:    types.Scope_CATALOG,
		Catalog:  catalog,
		Message:  message,
	}
}
