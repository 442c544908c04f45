package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/sink"
	"github.com/sagedata/sage/pkg/types"
)

const rosterDoc = `
senders:
  senders_list:
    - sender_id: TEST001
      allowed_methods: [filesystem]
      configurations:
        filesystem:
          directory: /incoming
      packages:
        - name: ventas_diarias
`

func packageDoc(enabled bool) string {
	doc := `
package:
  name: ventas_diarias
  file_format:
    type: CSV
    pattern: "ventas_{sender_id}_{date}.csv"
  catalogs:
    - logical_name: ventas
      catalog:
        name: ventas
        fields:
          - name: codigo
            type: text
            required: true
            unique: true
          - name: total
            type: number
`
	if enabled {
		doc += `
  destination:
    enabled: true
    target_table: ventas
    insertion_method: insert
    connection:
      driver: postgresql
      host: db.test
      port: 5432
      database: warehouse
`
	}
	return doc
}

func loadTestSchema(t *testing.T, e *Engine, docs ...string) *schema.Schema {
	t.Helper()
	in := make([]schema.Document, len(docs))
	for i, d := range docs {
		in[i] = schema.Document{Data: []byte(d)}
	}
	sch, diag := e.Load(in, schema.WithSecrets(schema.StaticSecrets{}))
	require.NotNil(t, sch, "unexpected findings: %v", diag.Findings)
	return sch
}

func submission() *types.Submission {
	return &types.Submission{
		SenderID:    "TEST001",
		PackageName: "ventas_diarias",
		Channel:     schema.ChannelFilesystem,
		FileName:    "ventas_TEST001_20260301.csv",
		ReceivedAt:  time.Now(),
	}
}

// sinkProbe reports whether the database was ever opened.
func sinkProbe(t *testing.T, commit bool) (*sink.Sink, *bool) {
	t.Helper()
	opened := false
	s := sink.New(nil, sink.WithOpenFunc(func(driver, dsn string) (*sqlx.DB, error) {
		opened = true
		db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		require.NoError(t, err)
		mock.ExpectBegin()
		insert := "INSERT INTO ventas (codigo, total) VALUES ($1, $2)"
		mock.ExpectExec(insert).WithArgs("A", "10").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insert).WithArgs("B", "20").WillReturnResult(sqlmock.NewResult(0, 1))
		if commit {
			mock.ExpectCommit()
		}
		mock.ExpectClose()
		return sqlx.NewDb(db, "postgres"), nil
	}))
	return s, &opened
}

func TestValidateCleanSubmission(t *testing.T) {
	e := New(nil)
	sch := loadTestSchema(t, e, packageDoc(false), rosterDoc)

	blob := []byte("codigo,total\nA,10\nB,20\n")
	diag, err := e.Validate(context.Background(), sch, blob, submission())
	require.NoError(t, err)
	assert.Empty(t, diag.Findings)
	assert.Equal(t, types.Status_SUCCESS, diag.Status())
}

func TestGateFailureStopsBeforeReading(t *testing.T) {
	e := New(nil)
	sch := loadTestSchema(t, e, packageDoc(false), rosterDoc)

	sub := submission()
	sub.Channel = schema.ChannelAPI

	// blob is garbage; it must never be decoded
	diag, err := e.Validate(context.Background(), sch, []byte("\x00\x01"), sub)
	require.NoError(t, err)
	require.Len(t, diag.Findings, 1)
	assert.Equal(t, types.Scope_AUTHORIZATION, diag.Findings[0].Scope)
	assert.Equal(t, types.Severity_ERROR, diag.Findings[0].Severity)
}

func TestProcessAppliesSinkWhenClean(t *testing.T) {
	s, opened := sinkProbe(t, true)
	e := New(nil, WithSink(s))
	sch := loadTestSchema(t, e, packageDoc(true), rosterDoc)

	blob := []byte("codigo,total\nA,10\nB,20\n")
	diag, err := e.Process(context.Background(), sch, blob, submission())
	require.NoError(t, err)
	assert.False(t, diag.HasErrors(), "unexpected findings: %v", diag.Findings)
	assert.True(t, *opened, "sink should have been invoked")
}

func TestProcessSkipsSinkOnValidationError(t *testing.T) {
	s, opened := sinkProbe(t, false)
	e := New(nil, WithSink(s))
	sch := loadTestSchema(t, e, packageDoc(true), rosterDoc)

	// duplicate codigo trips the unique contract
	blob := []byte("codigo,total\nA,10\nA,20\n")
	diag, err := e.Process(context.Background(), sch, blob, submission())
	require.NoError(t, err)
	assert.True(t, diag.HasErrors())
	assert.False(t, *opened, "sink must not run on a failed validation")
}

func TestProcessSkipsSinkWhenDestinationDisabled(t *testing.T) {
	s, opened := sinkProbe(t, false)
	e := New(nil, WithSink(s))
	sch := loadTestSchema(t, e, packageDoc(false), rosterDoc)

	blob := []byte("codigo,total\nA,10\nB,20\n")
	diag, err := e.Process(context.Background(), sch, blob, submission())
	require.NoError(t, err)
	assert.False(t, diag.HasErrors())
	assert.False(t, *opened)
}

func TestValidateSkipsSinkEvenWhenEnabled(t *testing.T) {
	s, opened := sinkProbe(t, false)
	e := New(nil, WithSink(s))
	sch := loadTestSchema(t, e, packageDoc(true), rosterDoc)

	blob := []byte("codigo,total\nA,10\nB,20\n")
	diag, err := e.Validate(context.Background(), sch, blob, submission())
	require.NoError(t, err)
	assert.False(t, diag.HasErrors())
	assert.False(t, *opened)
}

func TestCancelledRunHasNoDiagnostic(t *testing.T) {
	e := New(nil)
	sch := loadTestSchema(t, e, packageDoc(false), rosterDoc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	diag, err := e.Validate(ctx, sch, []byte("codigo,total\nA,10\n"), submission())
	assert.Nil(t, diag)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnknownPackage(t *testing.T) {
	e := New(nil)
	sch := loadTestSchema(t, e, packageDoc(false), rosterDoc)

	sub := submission()
	sub.PackageName = "nomina"

	// the roster does not authorize nomina either, so the gate speaks first
	diag, err := e.Validate(context.Background(), sch, nil, sub)
	require.NoError(t, err)
	require.True(t, diag.HasErrors())
	assert.Equal(t, types.Scope_AUTHORIZATION, diag.Findings[0].Scope)
}

func TestPrepareDerivesMetadata(t *testing.T) {
	sub := &types.Submission{FileName: "ventas_TEST001_20260301.csv"}
	prepare(sub)

	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, 2026, sub.DataDate.Year())
	assert.Equal(t, time.March, sub.DataDate.Month())
	assert.Equal(t, 1, sub.DataDate.Day())
}
