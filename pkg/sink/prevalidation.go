package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

// maxResponseExcerpt bounds how much of a pre_validation response body
// ends up in a finding.
const maxResponseExcerpt = 512

// stageAndPreValidate copies the submission into a per-submission
// scratch table and consults the pre_validation endpoint. The scratch
// table lives inside the transaction, so a rollback removes it. A
// non-2xx response appends an ERROR finding and returns an error so
// the caller rolls back.
func (s *Sink) stageAndPreValidate(ctx context.Context, tx *sqlx.Tx, sch *schema.Schema, pkg *schema.Package, tables map[string]*types.Table, sub *types.Submission, diag *types.Diagnostic) error {
	pre := pkg.Destination.PreValidation

	for _, ref := range pkg.Catalogs {
		catalog, err := sch.Catalog(ref.Catalog)
		if err != nil {
			diag.Append(sinkFinding(ref.LogicalName, err.Error()))
			return err
		}
		table := tables[ref.LogicalName]
		columns := insertableColumns(catalog, table)
		scratch := scratchName(sub, ref.LogicalName)
		if err := s.stageTable(ctx, tx, table, columns, scratch); err != nil {
			if cancelled(ctx, err) {
				return err
			}
			diag.Append(sinkFinding(ref.LogicalName, fmt.Sprintf("cannot stage rows in %q: %v", scratch, err)))
			return err
		}
	}

	if err := s.callPreValidation(ctx, pre, diag); err != nil {
		return err
	}
	return nil
}

func (s *Sink) stageTable(ctx context.Context, tx *sqlx.Tx, table *types.Table, columns []string, scratch string) error {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s TEXT", quoteIdent(col))
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(scratch), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return err
	}
	return s.insertRows(ctx, tx, table, columns, scratch)
}

// scratchName builds a staging table name unique to this submission so
// concurrent submissions never collide.
func scratchName(sub *types.Submission, logicalName string) string {
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	id = strings.ReplaceAll(id, "-", "")
	return fmt.Sprintf("sage_stage_%s_%s", quoteIdent(logicalName), id)
}

// callPreValidation posts the declared payload verbatim and accepts
// any 2xx answer. The payload is opaque configuration: it is forwarded
// as JSON without interpretation.
func (s *Sink) callPreValidation(ctx context.Context, pre *schema.PreValidation, diag *types.Diagnostic) error {
	method := pre.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if pre.Payload != nil {
		encoded, err := json.Marshal(normalizeYAMLValue(pre.Payload))
		if err != nil {
			diag.Append(sinkFinding("", fmt.Sprintf("cannot encode pre_validation payload: %v", err)))
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, pre.URL, body)
	if err != nil {
		diag.Append(sinkFinding("", fmt.Sprintf("invalid pre_validation request: %v", err)))
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if cancelled(ctx, err) {
			return err
		}
		diag.Append(sinkFinding("", fmt.Sprintf("pre_validation call failed: %v", err)))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
	diag.Append(sinkFinding("", fmt.Sprintf("pre_validation endpoint answered %d: %s",
		resp.StatusCode, strings.TrimSpace(string(excerpt)))))
	return fmt.Errorf("pre_validation rejected with status %d", resp.StatusCode)
}

// normalizeYAMLValue rewrites map[interface{}]interface{} trees, which
// the YAML decoder may produce, into JSON-encodable maps.
func normalizeYAMLValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[k] = normalizeYAMLValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = normalizeYAMLValue(item)
		}
		return out
	}
	return v
}
