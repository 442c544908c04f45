// Package schema defines the in-memory contract model (catalogs,
// packages, senders) and the loader that builds it from YAML
// configuration documents.
//
// The same structs serve as document shape and in-memory model: the
// yaml tags define the document surface, and loading normalizes legacy
// forms so that serializing a loaded Schema and reloading it yields an
// equal Schema.
package schema

import (
	"github.com/pkg/errors"

	"github.com/sagedata/sage/pkg/expr"
	"github.com/sagedata/sage/pkg/types"
)

// Field types supported by catalogs.
const (
	FieldTypeText   = "text"
	FieldTypeNumber = "number"
	FieldTypeDate   = "date"
	FieldTypeEnum   = "enum"
)

// Archive / file types supported by packages.
const (
	FormatCSV  = "CSV"
	FormatXLSX = "XLSX"
	FormatJSON = "JSON"
	FormatXML  = "XML"
	FormatZIP  = "ZIP"
)

// Insertion methods supported by destinations.
const (
	InsertMethodInsert  = "insert"
	InsertMethodUpsert  = "upsert"
	InsertMethodReplace = "replace"
)

// Intake channels a sender may be allowed to use.
const (
	ChannelSFTP         = "sftp"
	ChannelEmail        = "email"
	ChannelAPI          = "api"
	ChannelFilesystem   = "filesystem"
	ChannelDirectUpload = "direct_upload"
)

// FileFormat describes how a data file is encoded and named.
// Pattern supports the {sender_id} and {date} placeholders only.
type FileFormat struct {
	Type      string `yaml:"type,omitempty" json:"type,omitempty"`
	Pattern   string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Encoding  string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	Separator string `yaml:"separator,omitempty" json:"separator,omitempty"`
}

// Rule is one validation expression with its reporting attributes.
// Severity defaults to ERROR.
type Rule struct {
	Name             string         `yaml:"name,omitempty" json:"name,omitempty"`
	Expression       string         `yaml:"validation_expression" json:"validation_expression"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Message          string         `yaml:"message,omitempty" json:"message,omitempty"`
	Severity         types.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	PandasPrecedence bool           `yaml:"pandas_precedence,omitempty" json:"pandas_precedence,omitempty"`

	compiled *expr.Expression
}

// Compile parses the rule's expression. Called by the loader; safe to
// call repeatedly.
func (r *Rule) Compile() error {
	if r.compiled != nil && r.compiled.Source == r.Expression {
		return nil
	}
	compiled, err := expr.Compile(r.Expression, r.PandasPrecedence)
	if err != nil {
		return err
	}
	r.compiled = compiled
	return nil
}

// Compiled returns the compiled expression, compiling on first use.
func (r *Rule) Compiled() (*expr.Expression, error) {
	if err := r.Compile(); err != nil {
		return nil, err
	}
	return r.compiled, nil
}

// FieldSpec is the contract of one column.
//
// A document may attach validation rules either as a validation_rules
// list or through the legacy inline validation_expression form; the
// loader folds the inline form into Rules.
type FieldSpec struct {
	Name          string   `yaml:"name" json:"name"`
	Type          string   `yaml:"type" json:"type"`
	Length        int      `yaml:"length,omitempty" json:"length,omitempty"`
	Decimals      int      `yaml:"decimals,omitempty" json:"decimals,omitempty"`
	Required      bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Unique        bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
	AllowedValues []string `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
	Rules         []*Rule  `yaml:"validation_rules,omitempty" json:"validation_rules,omitempty"`

	// legacy inline rule form, emptied during normalization
	InlineExpression string         `yaml:"validation_expression,omitempty" json:"-"`
	InlineMessage    string         `yaml:"message,omitempty" json:"-"`
	InlineSeverity   types.Severity `yaml:"severity,omitempty" json:"-"`
}

// Catalog is the schema of one tabular dataset.
type Catalog struct {
	Name              string       `yaml:"name" json:"name"`
	Description       string       `yaml:"description,omitempty" json:"description,omitempty"`
	Fields            []*FieldSpec `yaml:"fields" json:"fields"`
	RowValidation     *Rule        `yaml:"row_validation,omitempty" json:"row_validation,omitempty"`
	CatalogValidation *Rule        `yaml:"catalog_validation,omitempty" json:"catalog_validation,omitempty"`
	FileFormat        *FileFormat  `yaml:"file_format,omitempty" json:"file_format,omitempty"`
}

// Field returns the field spec by name, or nil.
func (c *Catalog) Field(name string) *FieldSpec {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// UniqueFields returns the names of fields declared unique, in order.
// These define the conflict target for upserts.
func (c *Catalog) UniqueFields() []string {
	var out []string
	for _, f := range c.Fields {
		if f.Unique {
			out = append(out, f.Name)
		}
	}
	return out
}

// ColumnNames returns the declared field names in order.
func (c *Catalog) ColumnNames() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// CatalogRef binds a logical name inside a package to a catalog.
// Exactly one of Path or Inline is set in a document; after loading,
// Catalog holds the arena handle either way.
type CatalogRef struct {
	LogicalName       string      `yaml:"logical_name" json:"logical_name"`
	FileInsideArchive string      `yaml:"file_inside_archive,omitempty" json:"file_inside_archive,omitempty"`
	Path              string      `yaml:"path,omitempty" json:"path,omitempty"`
	Inline            *Catalog    `yaml:"catalog,omitempty" json:"catalog,omitempty"`
	FileFormat        *FileFormat `yaml:"file_format,omitempty" json:"file_format,omitempty"`

	// Catalog is the handle into Schema.Catalogs, resolved by the loader.
	Catalog int `yaml:"-" json:"-"`
}

// Connection identifies a relational backend, either by explicit
// coordinates or by a named environment key holding a DSN.
type Connection struct {
	Driver   string `yaml:"driver,omitempty" json:"driver,omitempty"`
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	User     string `yaml:"user,omitempty" json:"user,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
	EnvKey   string `yaml:"env_key,omitempty" json:"env_key,omitempty"`
}

// PreValidation is an HTTP endpoint consulted between staging and
// commit. Payload is opaque: it is forwarded verbatim and never
// interpreted.
type PreValidation struct {
	URL     string      `yaml:"url" json:"url"`
	Method  string      `yaml:"method,omitempty" json:"method,omitempty"`
	Payload interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Destination is the database sink configuration of a package.
type Destination struct {
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	Connection      Connection     `yaml:"connection,omitempty" json:"connection,omitempty"`
	TargetTable     string         `yaml:"target_table,omitempty" json:"target_table,omitempty"`
	PreValidation   *PreValidation `yaml:"pre_validation,omitempty" json:"pre_validation,omitempty"`
	InsertionMethod string         `yaml:"insertion_method,omitempty" json:"insertion_method,omitempty"`
}

// Package is a named group of catalogs validated together.
type Package struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Mandatory   bool          `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	FileFormat  FileFormat    `yaml:"file_format" json:"file_format"`
	Catalogs    []*CatalogRef `yaml:"catalogs" json:"catalogs"`
	CrossRules  []*Rule       `yaml:"cross_validation_rules,omitempty" json:"cross_validation_rules,omitempty"`
	Destination *Destination  `yaml:"destination,omitempty" json:"destination,omitempty"`
}

// Ref returns the catalog ref by logical name, or nil.
func (p *Package) Ref(logicalName string) *CatalogRef {
	for _, ref := range p.Catalogs {
		if ref.LogicalName == logicalName {
			return ref
		}
	}
	return nil
}

// Person identifies the human responsible for a sender.
type Person struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
	Phone string `yaml:"phone,omitempty" json:"phone,omitempty"`
}

// Receiver is a recipient of validation reports.
type Receiver struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email" json:"email"`
}

// ChannelConfig carries the per-channel credentials of a sender.
type ChannelConfig struct {
	Host           string   `yaml:"host,omitempty" json:"host,omitempty"`
	Port           int      `yaml:"port,omitempty" json:"port,omitempty"`
	User           string   `yaml:"user,omitempty" json:"user,omitempty"`
	Password       string   `yaml:"password,omitempty" json:"password,omitempty"`
	Directory      string   `yaml:"directory,omitempty" json:"directory,omitempty"`
	APIKey         string   `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	AllowedSenders []string `yaml:"allowed_senders,omitempty" json:"allowed_senders,omitempty"`
}

// Deadline is the cutoff of a submission frequency.
type Deadline struct {
	Day       int    `yaml:"day,omitempty" json:"day,omitempty"`
	DayOfWeek string `yaml:"day_of_week,omitempty" json:"day_of_week,omitempty"`
	Time      string `yaml:"time" json:"time"`
}

// Frequency is the declared submission cadence.
type Frequency struct {
	Type     string   `yaml:"type" json:"type"`
	Deadline Deadline `yaml:"deadline" json:"deadline"`
}

// PackageGrant names a package a sender is authorized to submit.
type PackageGrant struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Sender is one authorized producer of submissions.
type Sender struct {
	SenderID            string                   `yaml:"sender_id" json:"sender_id"`
	Name                string                   `yaml:"name,omitempty" json:"name,omitempty"`
	ResponsiblePerson   Person                   `yaml:"responsible_person" json:"responsible_person"`
	AllowedMethods      []string                 `yaml:"allowed_methods" json:"allowed_methods"`
	Configurations      map[string]ChannelConfig `yaml:"configurations" json:"configurations"`
	SubmissionFrequency *Frequency               `yaml:"submission_frequency,omitempty" json:"submission_frequency,omitempty"`
	Packages            []*PackageGrant          `yaml:"packages,omitempty" json:"packages,omitempty"`
}

// Authorized reports whether the sender may submit the named package.
func (s *Sender) Authorized(packageName string) bool {
	for _, grant := range s.Packages {
		if grant.Name == packageName {
			return true
		}
	}
	return false
}

// AllowsChannel reports whether the intake channel is permitted.
func (s *Sender) AllowsChannel(channel string) bool {
	for _, m := range s.AllowedMethods {
		if m == channel {
			return true
		}
	}
	return false
}

// Schema is the fully resolved, read-only contract: flat arenas of
// catalogs, packages and senders with integer handles between them.
// A Schema is immutable after loading and safe to share across
// workers.
type Schema struct {
	Catalogs []*Catalog
	Packages []*Package
	Senders  []*Sender

	CorporateOwner string
	DataReceivers  []Receiver

	catalogIndex map[string]int
	packageIndex map[string]int
	senderIndex  map[string]int
}

func newSchema() *Schema {
	return &Schema{
		catalogIndex: map[string]int{},
		packageIndex: map[string]int{},
		senderIndex:  map[string]int{},
	}
}

func (s *Schema) addCatalog(c *Catalog) int {
	handle := len(s.Catalogs)
	s.Catalogs = append(s.Catalogs, c)
	if _, exists := s.catalogIndex[c.Name]; !exists {
		s.catalogIndex[c.Name] = handle
	}
	return handle
}

func (s *Schema) addPackage(p *Package) int {
	handle := len(s.Packages)
	s.Packages = append(s.Packages, p)
	s.packageIndex[p.Name] = handle
	return handle
}

func (s *Schema) addSender(snd *Sender) int {
	handle := len(s.Senders)
	s.Senders = append(s.Senders, snd)
	s.senderIndex[snd.SenderID] = handle
	return handle
}

// Catalog resolves an arena handle.
func (s *Schema) Catalog(handle int) (*Catalog, error) {
	if handle < 0 || handle >= len(s.Catalogs) {
		return nil, errors.Errorf("invalid catalog handle %d", handle)
	}
	return s.Catalogs[handle], nil
}

// PackageByName looks a package up by name.
func (s *Schema) PackageByName(name string) (*Package, bool) {
	idx, ok := s.packageIndex[name]
	if !ok {
		return nil, false
	}
	return s.Packages[idx], true
}

// SenderByID looks a sender up by id.
func (s *Schema) SenderByID(id string) (*Sender, bool) {
	idx, ok := s.senderIndex[id]
	if !ok {
		return nil, false
	}
	return s.Senders[idx], true
}
