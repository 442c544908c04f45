// Package pkg provides declarative data ingestion and validation for Go
// applications.
//
// SAGE validates tabular data files against YAML-defined catalogs and
// packages, then optionally writes the validated rows to a relational
// destination. Validation rules are pandas-flavored expressions that run
// at field, row, catalog and package scope.
//
// # Package Structure
//
// The pkg directory contains several specialized packages:
//
//   - engine: High-level API wiring the whole pipeline (recommended starting point)
//   - schema: YAML catalog, package and sender document loading
//   - expr: The pandas-flavored rule expression language
//   - reader: File decoding (CSV, XLSX, JSON, XML, ZIP) and filename patterns
//   - validator: Rule evaluation across the four validation scopes
//   - gate: Sender authorization, channel and deadline checks
//   - sink: Transactional database insertion and pre-validation hooks
//   - types: Findings, diagnostics, tables and submissions
//   - logger: Logging abstraction layer
//
// # Getting Started
//
// For most use cases, start with the engine package:
//
//	import (
//	    "github.com/sagedata/sage/pkg/engine"
//	    "github.com/sagedata/sage/pkg/schema"
//	    "github.com/sagedata/sage/pkg/types"
//	)
//
//	func main() {
//	    e := engine.New(nil)
//	    sch, diag := e.Load(docs)
//	    diag, err := e.Validate(ctx, sch, fileBytes, submission)
//	    // Inspect diag.Findings...
//	}
//
// # Validation Scopes
//
// Findings are produced in a fixed scope order:
//
// Field rules: type contracts, required and unique constraints, and
// per-field expressions evaluated against one column.
//
// Row rules: expressions evaluated across the columns of each row.
//
// Catalog rules: expressions reducing a whole table to one verdict.
//
// Package rules: cross-catalog expressions joining several tables.
//
// A scope always runs to completion; later scopes of a failed catalog
// are skipped with an informational finding.
//
// # Error Handling
//
// Pipeline operations distinguish between:
//   - Validation findings (returned as Finding values in a Diagnostic)
//   - System errors (returned as error from Validate/Process)
//
// A cancelled context aborts the run and returns the context error with
// no diagnostic.
//
// # Thread Safety
//
// Engine, Gate, Validator and Sink values are safe for concurrent use.
// Per-submission state lives on the Submission value and the call stack.
package pkg
