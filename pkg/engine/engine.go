// Package engine is the orchestration layer: it wires the sender gate,
// the file reader, the validator and the sink into the Load, Validate
// and Process entry points that callers and the CLI use.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/sagedata/sage/pkg/gate"
	"github.com/sagedata/sage/pkg/logger"
	"github.com/sagedata/sage/pkg/reader"
	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/sink"
	"github.com/sagedata/sage/pkg/types"
	"github.com/sagedata/sage/pkg/validator"
)

// Engine runs submissions through the validation pipeline. A single
// Engine is safe for concurrent use; per-submission state lives on the
// Submission value and the call stack.
type Engine struct {
	log       logger.Interface
	gate      *gate.Gate
	validator *validator.Validator
	sink      *sink.Sink
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink replaces the sink, usually with one whose database and
// HTTP clients are under test control.
func WithSink(s *sink.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithNow pins the reference time used for deadlines and date
// expressions.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(log logger.Interface, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		log:       log,
		gate:      gate.New(log),
		validator: validator.New(log),
		sink:      sink.New(log),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load builds a Schema from configuration documents. Structural
// problems come back as findings; a fatal problem yields a nil Schema.
func (e *Engine) Load(docs []schema.Document, opts ...schema.LoaderOption) (*schema.Schema, *types.Diagnostic) {
	opts = append([]schema.LoaderOption{schema.WithLogger(e.log)}, opts...)
	return schema.NewLoader(opts...).LoadDocuments(docs...)
}

// Validate runs the full pipeline through validation: gate, reader,
// validator. The sink is never touched. A cancelled context returns
// (nil, ctx.Err()) and no findings.
func (e *Engine) Validate(ctx context.Context, sch *schema.Schema, blob []byte, sub *types.Submission) (*types.Diagnostic, error) {
	return e.run(ctx, sch, blob, sub, false)
}

// Process runs Validate and, when the diagnostic carries no ERROR
// finding and the package destination is enabled, applies the sink.
func (e *Engine) Process(ctx context.Context, sch *schema.Schema, blob []byte, sub *types.Submission) (*types.Diagnostic, error) {
	return e.run(ctx, sch, blob, sub, true)
}

func (e *Engine) run(ctx context.Context, sch *schema.Schema, blob []byte, sub *types.Submission, apply bool) (*types.Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prepare(sub)

	diag := e.gate.Check(sch, sub)
	if diag.HasErrors() {
		return diag, nil
	}

	pkg, ok := sch.PackageByName(sub.PackageName)
	if !ok {
		diag.Append(&types.Finding{
			Severity: types.Severity_ERROR,
			Scope:    types.Scope_PACKAGE,
			Message:  fmt.Sprintf("package %q is not defined in the schema", sub.PackageName),
		})
		return diag, nil
	}

	tables, readDiag := reader.ReadPackage(sch, pkg, blob, sub.FileName, sub.SenderID)
	diag.Merge(readDiag)
	if diag.HasErrors() {
		return diag, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	diag.Merge(e.validator.ValidatePackage(sch, pkg, tables, e.now()))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !apply || diag.HasErrors() {
		return diag, nil
	}
	if pkg.Destination == nil || !pkg.Destination.Enabled {
		return diag, nil
	}

	sinkDiag, err := e.sink.Apply(ctx, sch, pkg, tables, sub)
	if err != nil {
		return nil, err
	}
	diag.Merge(sinkDiag)
	return diag, nil
}

var filenameDate = regexp.MustCompile(`(\d{8})`)

// prepare fills in derivable submission metadata: a fresh id when the
// caller supplied none, and the data date recovered from the YYYYMMDD
// run of the file name.
func prepare(sub *types.Submission) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.DataDate.IsZero() && sub.FileName != "" {
		if match := filenameDate.FindString(sub.FileName); match != "" {
			if parsed, err := time.ParseInLocation("20060102", match, time.Local); err == nil {
				sub.DataDate = parsed
			}
		}
	}
}
