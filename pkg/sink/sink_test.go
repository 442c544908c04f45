package sink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

func loadSinkSchema(t *testing.T, doc string) (*schema.Schema, *schema.Package) {
	t.Helper()
	sch, diag := schema.NewLoader(schema.WithSecrets(schema.StaticSecrets{})).
		LoadDocuments(schema.Document{Data: []byte(doc)})
	require.NotNil(t, sch, "unexpected findings: %v", diag.Findings)
	require.Len(t, sch.Packages, 1)
	return sch, sch.Packages[0]
}

func packageDoc(method, extra string) string {
	return `
package:
  name: productos
  file_format:
    type: CSV
  catalogs:
    - logical_name: productos
      catalog:
        name: productos
        fields:
          - name: codigo
            type: text
            required: true
            unique: true
          - name: precio
            type: number
  destination:
    enabled: true
    target_table: productos
    insertion_method: ` + method + `
    connection:
      driver: postgresql
      host: db.test
      port: 5432
      user: loader
      database: warehouse
` + extra
}

func productTable(t *testing.T) map[string]*types.Table {
	t.Helper()
	table := types.NewTable("productos", []string{"codigo", "precio"})
	require.NoError(t, table.AppendRow([]types.Cell{types.StringCell("A"), types.StringCell("1.50")}))
	require.NoError(t, table.AppendRow([]types.Cell{types.StringCell("B"), types.NullCell()}))
	return map[string]*types.Table{"productos": table}
}

func mockSink(t *testing.T, opts ...Option) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	sx := sqlx.NewDb(db, "postgres")
	opts = append(opts, WithOpenFunc(func(driver, dsn string) (*sqlx.DB, error) {
		assert.Equal(t, "postgres", driver)
		return sx, nil
	}))
	return New(nil, opts...), mock
}

func TestInsertAppliesRowsInOneTransaction(t *testing.T) {
	sch, pkg := loadSinkSchema(t, packageDoc("insert", ""))
	s, mock := mockSink(t)

	mock.ExpectBegin()
	insert := "INSERT INTO productos (codigo, precio) VALUES ($1, $2)"
	mock.ExpectExec(insert).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	diag, err := s.Apply(context.Background(), sch, pkg, productTable(t), &types.Submission{ID: "sub-1"})
	require.NoError(t, err)
	assert.Empty(t, diag.Findings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUsesUniqueFieldsAsConflictTarget(t *testing.T) {
	sch, pkg := loadSinkSchema(t, packageDoc("upsert", ""))
	s, mock := mockSink(t)

	upsert := "INSERT INTO productos (codigo, precio) VALUES ($1, $2) " +
		"ON CONFLICT (codigo) DO UPDATE SET precio = EXCLUDED.precio"
	mock.ExpectBegin()
	mock.ExpectExec(upsert).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	diag, err := s.Apply(context.Background(), sch, pkg, productTable(t), &types.Submission{ID: "sub-2"})
	require.NoError(t, err)
	assert.Empty(t, diag.Findings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Submitting the same file twice through upsert issues the identical
// statements, so the final table state cannot differ between runs.
func TestUpsertIsIdempotent(t *testing.T) {
	sch, pkg := loadSinkSchema(t, packageDoc("upsert", ""))

	upsert := "INSERT INTO productos (codigo, precio) VALUES ($1, $2) " +
		"ON CONFLICT (codigo) DO UPDATE SET precio = EXCLUDED.precio"

	for run := 0; run < 2; run++ {
		s, mock := mockSink(t)
		mock.ExpectBegin()
		mock.ExpectExec(upsert).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(upsert).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectClose()

		diag, err := s.Apply(context.Background(), sch, pkg, productTable(t), &types.Submission{ID: "sub-3"})
		require.NoError(t, err)
		assert.Empty(t, diag.Findings)
		assert.NoError(t, mock.ExpectationsWereMet())
	}
}

func TestReplaceDeletesBeforeInsertingInSameTransaction(t *testing.T) {
	sch, pkg := loadSinkSchema(t, packageDoc("replace", ""))
	s, mock := mockSink(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM productos").WillReturnResult(sqlmock.NewResult(0, 5))
	insert := "INSERT INTO productos (codigo, precio) VALUES ($1, $2)"
	mock.ExpectExec(insert).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	diag, err := s.Apply(context.Background(), sch, pkg, productTable(t), &types.Submission{ID: "sub-4"})
	require.NoError(t, err)
	assert.Empty(t, diag.Findings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseErrorRollsBack(t *testing.T) {
	sch, pkg := loadSinkSchema(t, packageDoc("replace", ""))
	s, mock := mockSink(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM productos").WillReturnError(assert.AnError)
	mock.ExpectRollback()
	mock.ExpectClose()

	diag, err := s.Apply(context.Background(), sch, pkg, productTable(t), &types.Submission{ID: "sub-5"})
	require.NoError(t, err)

	require.Len(t, diag.Findings, 1)
	f := diag.Findings[0]
	assert.Equal(t, types.Severity_ERROR, f.Severity)
	assert.Equal(t, types.Scope_CATALOG, f.Scope)
	assert.Equal(t, "productos", f.Catalog)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreValidationRejectionRollsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("totals do not reconcile"))
	}))
	defer server.Close()

	extra := "    pre_validation:\n      url: " + server.URL + "\n      payload:\n        checks: [totals]\n"
	sch, pkg := loadSinkSchema(t, packageDoc("insert", extra))
	s, mock := mockSink(t)

	mock.ExpectBegin()
	insert := "INSERT INTO productos (codigo, precio) VALUES ($1, $2)"
	mock.ExpectExec(insert).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("CREATE TABLE sage_stage_productos_sub6 (codigo TEXT, precio TEXT)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	stage := "INSERT INTO sage_stage_productos_sub6 (codigo, precio) VALUES ($1, $2)"
	mock.ExpectExec(stage).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stage).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectClose()

	diag, err := s.Apply(context.Background(), sch, pkg, productTable(t), &types.Submission{ID: "sub6"})
	require.NoError(t, err)

	require.NotEmpty(t, diag.Findings)
	last := diag.Findings[len(diag.Findings)-1]
	assert.Equal(t, types.Severity_ERROR, last.Severity)
	assert.Contains(t, last.Message, "422")
	assert.Contains(t, last.Message, "totals do not reconcile")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreValidationAcceptanceCommits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	extra := "    pre_validation:\n      url: " + server.URL + "\n"
	sch, pkg := loadSinkSchema(t, packageDoc("insert", extra))
	s, mock := mockSink(t)

	mock.ExpectBegin()
	insert := "INSERT INTO productos (codigo, precio) VALUES ($1, $2)"
	mock.ExpectExec(insert).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("CREATE TABLE sage_stage_productos_sub7 (codigo TEXT, precio TEXT)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	stage := "INSERT INTO sage_stage_productos_sub7 (codigo, precio) VALUES ($1, $2)"
	mock.ExpectExec(stage).WithArgs("A", "1.50").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stage).WithArgs("B", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	diag, err := s.Apply(context.Background(), sch, pkg, productTable(t), &types.Submission{ID: "sub7"})
	require.NoError(t, err)
	assert.Empty(t, diag.Findings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisabledDestinationIsANoOp(t *testing.T) {
	doc := `
package:
  name: p
  file_format:
    type: CSV
  catalogs:
    - logical_name: datos
      catalog:
        name: datos
        fields:
          - name: a
            type: text
  destination:
    enabled: false
`
	sch, pkg := loadSinkSchema(t, doc)

	opened := false
	s := New(nil, WithOpenFunc(func(driver, dsn string) (*sqlx.DB, error) {
		opened = true
		return nil, assert.AnError
	}))

	diag, err := s.Apply(context.Background(), sch, pkg, nil, &types.Submission{})
	require.NoError(t, err)
	assert.Empty(t, diag.Findings)
	assert.False(t, opened)
}

func TestCancelledContextReturnsNoDiagnostic(t *testing.T) {
	sch, pkg := loadSinkSchema(t, packageDoc("insert", ""))
	s, mock := mockSink(t)

	mock.ExpectBegin()
	mock.ExpectClose()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	diag, err := s.Apply(ctx, sch, pkg, productTable(t), &types.Submission{ID: "sub-8"})
	assert.Nil(t, diag)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveDSN(t *testing.T) {
	driver, dsn, err := resolveDSN(&schema.Connection{
		Driver: "postgresql", Host: "db.test", Port: 5432,
		User: "u", Password: "p", Database: "d",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://u:p@db.test:5432/d?sslmode=disable", dsn)

	driver, dsn, err = resolveDSN(&schema.Connection{
		Driver: "mysql", Host: "db.test", Port: 3306,
		User: "u", Password: "p", Database: "d",
	})
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.Equal(t, "u:p@tcp(db.test:3306)/d", dsn)

	t.Setenv("SINK_DSN", "postgres://elsewhere/db")
	driver, dsn, err = resolveDSN(&schema.Connection{Driver: "postgres", EnvKey: "SINK_DSN"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://elsewhere/db", dsn)

	_, _, err = resolveDSN(&schema.Connection{})
	assert.Error(t, err)
}

func TestMySQLUpsertStatement(t *testing.T) {
	query := mysqlUpsert("productos", []string{"codigo", "precio"}, []string{"codigo"})
	assert.Equal(t,
		"INSERT INTO productos (codigo, precio) VALUES (?, ?) ON DUPLICATE KEY UPDATE precio = VALUES(precio)",
		query)
}
