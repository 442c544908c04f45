package types

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Severity classifies a finding. ERROR findings make a run fail,
// WARNING findings are surfaced but do not block insertion, and
// INFO findings are purely informational.
type Severity int32

const (
	Severity_ERROR   Severity = 0
	Severity_WARNING Severity = 1
	Severity_INFO    Severity = 2
)

func (s Severity) String() string {
	switch s {
	case Severity_ERROR:
		return "ERROR"
	case Severity_WARNING:
		return "WARNING"
	case Severity_INFO:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON implements json.Marshaler for Severity
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalYAML implements yaml.Marshaler for Severity
func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Severity
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Severity
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity string to a Severity value
func ParseSeverity(raw string) (Severity, error) {
	switch raw {
	case "ERROR", "error":
		return Severity_ERROR, nil
	case "WARNING", "warning":
		return Severity_WARNING, nil
	case "INFO", "info":
		return Severity_INFO, nil
	default:
		return Severity_ERROR, fmt.Errorf("unknown severity: %s", raw)
	}
}

// Scope identifies which level of the validation pipeline produced a finding.
type Scope int32

const (
	Scope_FIELD         Scope = 0
	Scope_ROW           Scope = 1
	Scope_CATALOG       Scope = 2
	Scope_PACKAGE       Scope = 3
	Scope_FILE          Scope = 4
	Scope_AUTHORIZATION Scope = 5
)

func (s Scope) String() string {
	switch s {
	case Scope_FIELD:
		return "field"
	case Scope_ROW:
		return "row"
	case Scope_CATALOG:
		return "catalog"
	case Scope_PACKAGE:
		return "package"
	case Scope_FILE:
		return "file"
	case Scope_AUTHORIZATION:
		return "authorization"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for Scope
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Finding is one diagnostic entry produced by a validation pass.
//
// Row is 1-based and refers to a data row of the input table (the header
// does not count). Zero means the finding is not tied to a row.
type Finding struct {
	Severity      Severity `json:"severity" yaml:"severity"`
	Scope         Scope    `json:"scope" yaml:"scope"`
	Catalog       string   `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Field         string   `json:"field,omitempty" yaml:"field,omitempty"`
	Row           int      `json:"row,omitempty" yaml:"row,omitempty"`
	Message       string   `json:"message" yaml:"message"`
	ObservedValue string   `json:"observed_value,omitempty" yaml:"observed_value,omitempty"`
	RuleName      string   `json:"rule_name,omitempty" yaml:"rule_name,omitempty"`
}

func (f *Finding) String() string {
	loc := f.Catalog
	if f.Field != "" {
		loc = loc + "." + f.Field
	}
	if f.Row > 0 {
		loc = fmt.Sprintf("%s:%d", loc, f.Row)
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s", f.Severity, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Severity, loc, f.Message)
}

// Status is the overall outcome of a Diagnostic.
type Status int32

const (
	Status_SUCCESS Status = 0
	Status_WARNING Status = 1
	Status_ERROR   Status = 2
)

func (s Status) String() string {
	switch s {
	case Status_SUCCESS:
		return "success"
	case Status_WARNING:
		return "warning"
	case Status_ERROR:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for Status
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Diagnostic is the ordered list of findings from one validation pass.
// Findings appear in evaluation order: scope order outer, declaration
// order inner, row order innermost.
type Diagnostic struct {
	Findings []*Finding `json:"findings" yaml:"findings"`
}

// Append adds findings to the diagnostic, preserving order.
func (d *Diagnostic) Append(findings ...*Finding) {
	d.Findings = append(d.Findings, findings...)
}

// Merge appends every finding of other, preserving order.
func (d *Diagnostic) Merge(other *Diagnostic) {
	if other == nil {
		return
	}
	d.Findings = append(d.Findings, other.Findings...)
}

// Status reports success when no ERROR finding is present, warning when
// only WARNING (and INFO) findings are present, error otherwise.
func (d *Diagnostic) Status() Status {
	status := Status_SUCCESS
	for _, f := range d.Findings {
		switch f.Severity {
		case Severity_ERROR:
			return Status_ERROR
		case Severity_WARNING:
			status = Status_WARNING
		}
	}
	return status
}

// HasErrors returns true if any ERROR finding is present.
func (d *Diagnostic) HasErrors() bool {
	return d.Status() == Status_ERROR
}

// Summary provides aggregate statistics about findings.
type Summary struct {
	Total    int `json:"total"`
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Infos    int `json:"infos"`
}

// Summarize computes aggregate statistics from the findings.
func (d *Diagnostic) Summarize() Summary {
	summary := Summary{}
	for _, f := range d.Findings {
		summary.Total++
		switch f.Severity {
		case Severity_ERROR:
			summary.Errors++
		case Severity_WARNING:
			summary.Warnings++
		case Severity_INFO:
			summary.Infos++
		}
	}
	return summary
}

func (s Summary) String() string {
	return fmt.Sprintf("%d findings (%d errors, %d warnings, %d info)",
		s.Total, s.Errors, s.Warnings, s.Infos)
}
