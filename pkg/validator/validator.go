// Package validator runs the four validation scopes over the tables of
// one submission: field contracts, row rules, catalog rules and
// cross-catalog package rules, in that order.
package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sagedata/sage/pkg/expr"
	"github.com/sagedata/sage/pkg/logger"
	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

// Validator evaluates a package's rules against loaded tables.
type Validator struct {
	log logger.Interface
}

// New creates a Validator.
func New(log logger.Interface) *Validator {
	if log == nil {
		log = logger.Nop()
	}
	return &Validator{log: log}
}

// ValidatePackage produces the Diagnostic of one submission. Findings
// come out in evaluation order: scope order outer, declaration order
// inner, row order innermost. A scope always runs to completion; once
// a scope of a catalog has produced an ERROR, the catalog's remaining
// scopes are skipped and the skip is recorded as an INFO finding.
func (v *Validator) ValidatePackage(sch *schema.Schema, pkg *schema.Package, tables map[string]*types.Table, now time.Time) *types.Diagnostic {
	diag := &types.Diagnostic{}
	failed := map[string]bool{}

	for _, ref := range pkg.Catalogs {
		catalog, err := sch.Catalog(ref.Catalog)
		if err != nil {
			diag.Append(&types.Finding{
				Severity: types.Severity_ERROR,
				Scope:    types.Scope_FILE,
				Catalog:  ref.LogicalName,
				Message:  err.Error(),
			})
			failed[ref.LogicalName] = true
			continue
		}
		table, ok := tables[ref.LogicalName]
		if !ok || table == nil {
			diag.Append(&types.Finding{
				Severity: types.Severity_ERROR,
				Scope:    types.Scope_FILE,
				Catalog:  ref.LogicalName,
				Message:  fmt.Sprintf("no table was loaded for catalog %q", ref.LogicalName),
			})
			failed[ref.LogicalName] = true
			continue
		}

		env := &expr.Env{Table: table, Tables: tables, Now: now}
		name := ref.LogicalName

		before := len(diag.Findings)
		v.fieldScope(diag, catalog, table, env, name)
		if hasError(diag.Findings[before:]) {
			failed[name] = true
			if catalog.RowValidation != nil || catalog.CatalogValidation != nil {
				v.skip(diag, name, "row and catalog validation", "field validation reported errors")
			}
			continue
		}

		before = len(diag.Findings)
		v.rowScope(diag, catalog, table, env, name)
		if hasError(diag.Findings[before:]) {
			failed[name] = true
			if catalog.CatalogValidation != nil {
				v.skip(diag, name, "catalog validation", "row validation reported errors")
			}
			continue
		}

		before = len(diag.Findings)
		v.catalogScope(diag, catalog, env, name)
		if hasError(diag.Findings[before:]) {
			failed[name] = true
		}
	}

	v.packageScope(diag, pkg, tables, now, failed)
	v.log.Debug("validated package", "package", pkg.Name, "findings", len(diag.Findings), "status", diag.Status().String())
	return diag
}

// fieldScope checks the declared contract of every field, then its
// attached rules, in declaration order.
func (v *Validator) fieldScope(diag *types.Diagnostic, catalog *schema.Catalog, table *types.Table, env *expr.Env, name string) {
	for _, field := range catalog.Fields {
		column, err := table.Column(field.Name)
		if err != nil {
			if field.Required {
				diag.Append(&types.Finding{
					Severity: types.Severity_ERROR,
					Scope:    types.Scope_FIELD,
					Catalog:  name,
					Field:    field.Name,
					Message:  fmt.Sprintf("required column %q is missing from the input", field.Name),
				})
			}
			continue
		}

		if field.Required {
			for i, cell := range column {
				if cell.Null {
					diag.Append(fieldFinding(types.Severity_ERROR, name, field.Name, i+1,
						fmt.Sprintf("required field %q is empty", field.Name), ""))
				}
			}
		}

		if field.Unique {
			seen := map[string]int{}
			for i, cell := range column {
				if cell.Null {
					continue
				}
				if _, dup := seen[cell.Raw]; dup {
					diag.Append(fieldFinding(types.Severity_ERROR, name, field.Name, i+1,
						fmt.Sprintf("duplicate value in unique field %q", field.Name), cell.Raw))
					continue
				}
				seen[cell.Raw] = i
			}
		}

		v.typeChecks(diag, field, column, name)

		for _, rule := range field.Rules {
			v.vectorRule(diag, rule, env, types.Scope_FIELD, name, field.Name, table)
		}
	}
}

// typeChecks applies the per-type contract of one column.
func (v *Validator) typeChecks(diag *types.Diagnostic, field *schema.FieldSpec, column []types.Cell, name string) {
	switch field.Type {
	case schema.FieldTypeText:
		if field.Length <= 0 {
			return
		}
		for i, cell := range column {
			if cell.Null {
				continue
			}
			if utf8.RuneCountInString(cell.Raw) > field.Length {
				diag.Append(fieldFinding(types.Severity_WARNING, name, field.Name, i+1,
					fmt.Sprintf("value exceeds the declared length of %d", field.Length), cell.Raw))
			}
		}
	case schema.FieldTypeNumber:
		for i, cell := range column {
			if cell.Null {
				continue
			}
			raw := strings.TrimSpace(cell.Raw)
			if _, err := strconv.ParseFloat(raw, 64); err != nil {
				diag.Append(fieldFinding(types.Severity_ERROR, name, field.Name, i+1,
					"value is not a number", cell.Raw))
				continue
			}
			if field.Decimals > 0 && decimalDigits(raw) > field.Decimals {
				diag.Append(fieldFinding(types.Severity_WARNING, name, field.Name, i+1,
					fmt.Sprintf("value has more than %d decimal digits", field.Decimals), cell.Raw))
			}
		}
	case schema.FieldTypeDate:
		for i, cell := range column {
			if cell.Null {
				continue
			}
			if _, ok := expr.ParseDate(cell.Raw); !ok {
				diag.Append(fieldFinding(types.Severity_ERROR, name, field.Name, i+1,
					"value is not a recognizable date", cell.Raw))
			}
		}
	case schema.FieldTypeEnum:
		allowed := map[string]bool{}
		for _, value := range field.AllowedValues {
			allowed[value] = true
		}
		for i, cell := range column {
			if cell.Null {
				continue
			}
			// membership is case sensitive
			if !allowed[cell.Raw] {
				diag.Append(fieldFinding(types.Severity_ERROR, name, field.Name, i+1,
					fmt.Sprintf("value is not one of the allowed values (%s)", strings.Join(field.AllowedValues, ", ")), cell.Raw))
			}
		}
	}
}

// rowScope evaluates row_validation in vector mode.
func (v *Validator) rowScope(diag *types.Diagnostic, catalog *schema.Catalog, table *types.Table, env *expr.Env, name string) {
	if catalog.RowValidation == nil {
		return
	}
	v.vectorRule(diag, catalog.RowValidation, env, types.Scope_ROW, name, "", table)
}

// catalogScope evaluates catalog_validation in scalar mode.
func (v *Validator) catalogScope(diag *types.Diagnostic, catalog *schema.Catalog, env *expr.Env, name string) {
	if catalog.CatalogValidation == nil {
		return
	}
	rule := catalog.CatalogValidation
	compiled, err := rule.Compiled()
	if err != nil {
		diag.Append(evalFailure(name, rule, err))
		return
	}
	ok, err := compiled.EvalScalar(env)
	if err != nil {
		diag.Append(evalFailure(name, rule, err))
		return
	}
	if !ok {
		diag.Append(&types.Finding{
			Severity: rule.Severity,
			Scope:    types.Scope_CATALOG,
			Catalog:  name,
			Message:  ruleMessage(rule),
			RuleName: rule.Name,
		})
	}
}

// packageScope evaluates the cross rules. A rule that references a
// catalog whose own validation failed with an ERROR is skipped, and
// the skip is recorded once as an INFO finding.
func (v *Validator) packageScope(diag *types.Diagnostic, pkg *schema.Package, tables map[string]*types.Table, now time.Time, failed map[string]bool) {
	env := &expr.Env{Tables: tables, Now: now}
	for _, rule := range pkg.CrossRules {
		if blocked := blockedCatalogs(rule, failed); len(blocked) > 0 {
			diag.Append(&types.Finding{
				Severity: types.Severity_INFO,
				Scope:    types.Scope_PACKAGE,
				Message: fmt.Sprintf("cross rule %s skipped: catalog %s did not pass its own validation",
					ruleLabel(rule), strings.Join(blocked, ", ")),
				RuleName: rule.Name,
			})
			continue
		}

		compiled, err := rule.Compiled()
		if err != nil {
			diag.Append(evalFailure("", rule, err))
			continue
		}
		value, err := compiled.Eval(env)
		if err != nil {
			diag.Append(evalFailure("", rule, err))
			continue
		}
		if value.IsSeries() {
			for i, elem := range value.Elems {
				if elem.Truthy() {
					continue
				}
				finding := &types.Finding{
					Severity: rule.Severity,
					Scope:    types.Scope_PACKAGE,
					Catalog:  value.Origin,
					Row:      i + 1,
					Message:  ruleMessage(rule),
					RuleName: rule.Name,
				}
				diag.Append(finding)
			}
			continue
		}
		if !value.Truthy() {
			diag.Append(&types.Finding{
				Severity: rule.Severity,
				Scope:    types.Scope_PACKAGE,
				Message:  ruleMessage(rule),
				RuleName: rule.Name,
			})
		}
	}
}

// vectorRule evaluates one rule per row and emits a finding for every
// false verdict.
func (v *Validator) vectorRule(diag *types.Diagnostic, rule *schema.Rule, env *expr.Env, scope types.Scope, name, field string, table *types.Table) {
	compiled, err := rule.Compiled()
	if err != nil {
		diag.Append(evalFailure(name, rule, err))
		return
	}
	verdicts, _, err := compiled.EvalVector(env)
	if err != nil {
		diag.Append(evalFailure(name, rule, err))
		return
	}
	for i, ok := range verdicts {
		if ok {
			continue
		}
		observed := ""
		if field != "" {
			if cell, err := table.Cell(i+1, field); err == nil && !cell.Null {
				observed = cell.Raw
			}
		}
		diag.Append(&types.Finding{
			Severity:      rule.Severity,
			Scope:         scope,
			Catalog:       name,
			Field:         field,
			Row:           i + 1,
			Message:       ruleMessage(rule),
			ObservedValue: observed,
			RuleName:      rule.Name,
		})
	}
}

func (v *Validator) skip(diag *types.Diagnostic, name, what, why string) {
	diag.Append(&types.Finding{
		Severity: types.Severity_INFO,
		Scope:    types.Scope_CATALOG,
		Catalog:  name,
		Message:  fmt.Sprintf("%s skipped: %s", what, why),
	})
}

func blockedCatalogs(rule *schema.Rule, failed map[string]bool) []string {
	var blocked []string
	for _, name := range schema.ReferencedTables(rule.Expression) {
		if failed[name] {
			blocked = append(blocked, name)
		}
	}
	return blocked
}

func fieldFinding(severity types.Severity, catalog, field string, row int, message, observed string) *types.Finding {
	return &types.Finding{
		Severity:      severity,
		Scope:         types.Scope_FIELD,
		Catalog:       catalog,
		Field:         field,
		Row:           row,
		Message:       message,
		ObservedValue: observed,
	}
}

// evalFailure renders an expression failure (an undeclared column, a
// type mismatch) as an ERROR finding instead of raising.
func evalFailure(catalog string, rule *schema.Rule, err error) *types.Finding {
	return &types.Finding{
		Severity: types.Severity_ERROR,
		Scope:    types.Scope_CATALOG,
		Catalog:  catalog,
		Message:  fmt.Sprintf("rule %s could not be evaluated: %v", ruleLabel(rule), err),
		RuleName: rule.Name,
	}
}

func ruleMessage(rule *schema.Rule) string {
	if rule.Message != "" {
		return rule.Message
	}
	if rule.Description != "" {
		return rule.Description
	}
	return fmt.Sprintf("expression %q evaluated to false", rule.Expression)
}

func ruleLabel(rule *schema.Rule) string {
	if rule.Name != "" {
		return fmt.Sprintf("%q", rule.Name)
	}
	return fmt.Sprintf("%q", rule.Expression)
}

func hasError(findings []*types.Finding) bool {
	for _, f := range findings {
		if f.Severity == types.Severity_ERROR {
			return true
		}
	}
	return false
}

// decimalDigits counts the digits after the decimal point of a plain
// numeric literal. Exponent notation is not penalized.
func decimalDigits(raw string) int {
	if strings.ContainsAny(raw, "eE") {
		return 0
	}
	dot := strings.LastIndex(raw, ".")
	if dot < 0 {
		return 0
	}
	return len(raw) - dot - 1
}
