package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/sagedata/sage/pkg/logger"
	"github.com/sagedata/sage/pkg/types"
)

// Document is one configuration document handed to the loader. Source
// is used for relative path resolution and in findings; it may be
// empty for in-memory documents, in which case path references are
// rejected.
type Document struct {
	Source string
	Data   []byte
}

// Loader parses and structurally validates configuration documents
// and assembles the Schema arena. Structural failures are reported as
// findings with scope=file and are fatal: no Schema is returned.
type Loader struct {
	secrets SecretSource
	log     logger.Interface

	// visited guards path-referenced catalog loads: -1 marks a load
	// in progress (a cycle when hit again), >= 0 is the arena handle.
	// Handles index the schema currently being assembled, so the map
	// is reset at the start of every load.
	visited map[string]int
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithSecrets overrides the secret source (default: environment).
func WithSecrets(src SecretSource) LoaderOption {
	return func(l *Loader) { l.secrets = src }
}

// WithLogger overrides the loader's logger.
func WithLogger(log logger.Interface) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// NewLoader creates a Loader resolving secrets from the environment.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		secrets: EnvSecrets(),
		log:     logger.New(),
		visited: map[string]int{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the documents at the given paths and assembles a Schema.
func (l *Loader) Load(paths ...string) (*Schema, *types.Diagnostic) {
	docs := make([]Document, 0, len(paths))
	diag := &types.Diagnostic{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			diag.Append(structural(path, fmt.Sprintf("cannot read document: %v", err)))
			continue
		}
		docs = append(docs, Document{Source: path, Data: data})
	}
	if diag.HasErrors() {
		return nil, diag
	}
	return l.LoadDocuments(docs...)
}

// LoadDocuments assembles a Schema from already-read documents. The
// document class is sniffed from the top-level key.
func (l *Loader) LoadDocuments(docs ...Document) (*Schema, *types.Diagnostic) {
	schema := newSchema()
	diag := &types.Diagnostic{}
	l.visited = map[string]int{}

	for _, doc := range docs {
		kind, raw, findings := l.parseDocument(doc)
		diag.Append(findings...)
		if raw == nil {
			continue
		}
		switch kind {
		case KindCatalog:
			l.loadCatalog(schema, doc, raw, diag)
		case KindPackage:
			l.loadPackage(schema, doc, raw, diag)
		case KindSender:
			l.loadSenders(schema, doc, raw, diag)
		}
	}

	if diag.HasErrors() {
		return nil, diag
	}
	return schema, diag
}

// ValidateDocument runs structural validation for one document of the
// requested kind without retaining the result.
func (l *Loader) ValidateDocument(doc Document, kind string) *types.Diagnostic {
	diag := &types.Diagnostic{}
	sniffed, raw, findings := l.parseDocument(doc)
	diag.Append(findings...)
	if raw == nil {
		return diag
	}
	if sniffed != kind {
		diag.Append(structural(doc.Source, fmt.Sprintf("expected a %s document, found %s", kind, sniffed)))
		return diag
	}
	schema := newSchema()
	l.visited = map[string]int{}
	switch kind {
	case KindCatalog:
		l.loadCatalog(schema, doc, raw, diag)
	case KindPackage:
		l.loadPackage(schema, doc, raw, diag)
	case KindSender:
		l.loadSenders(schema, doc, raw, diag)
	}
	return diag
}

func (l *Loader) parseDocument(doc Document) (string, []byte, []*types.Finding) {
	data, err := resolveSecrets(doc.Data, l.secrets)
	if err != nil {
		return "", nil, []*types.Finding{structural(doc.Source, err.Error())}
	}
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return "", nil, []*types.Finding{structural(doc.Source, fmt.Sprintf("invalid YAML: %v", err))}
	}
	kind, err := sniffKind(top)
	if err != nil {
		return "", nil, []*types.Finding{structural(doc.Source, err.Error())}
	}
	if len(top) != 1 {
		return "", nil, []*types.Finding{structural(doc.Source, fmt.Sprintf("document must contain exactly one top-level key, found %d", len(top)))}
	}
	return kind, data, nil
}

func (l *Loader) loadCatalog(schema *Schema, doc Document, data []byte, diag *types.Diagnostic) int {
	var parsed CatalogDocument
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		diag.Append(structural(doc.Source, fmt.Sprintf("invalid catalog document: %v", err)))
		return -1
	}
	if parsed.Catalog == nil {
		diag.Append(structural(doc.Source, "catalog section is empty"))
		return -1
	}
	findings := l.checkCatalog(parsed.Catalog, doc.Source)
	diag.Append(findings...)
	if hasError(findings) {
		return -1
	}
	l.log.Debug("loaded catalog", "name", parsed.Catalog.Name, "fields", len(parsed.Catalog.Fields))
	return schema.addCatalog(parsed.Catalog)
}

// checkCatalog enforces the catalog document contract and compiles
// every expression in place.
func (l *Loader) checkCatalog(c *Catalog, source string) []*types.Finding {
	var findings []*types.Finding
	fail := func(format string, args ...interface{}) {
		findings = append(findings, structural(source, fmt.Sprintf(format, args...)))
	}

	if c.Name == "" {
		fail("catalog is missing 'name'")
	}
	if len(c.Fields) == 0 {
		fail("catalog %q must declare at least one field", c.Name)
	}
	seen := map[string]bool{}
	for _, f := range c.Fields {
		if f.Name == "" {
			fail("catalog %q has a field without a name", c.Name)
			continue
		}
		if seen[f.Name] {
			fail("catalog %q declares field %q twice", c.Name, f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case FieldTypeText, FieldTypeNumber, FieldTypeDate, FieldTypeEnum:
		default:
			fail("field %q has unsupported type %q", f.Name, f.Type)
		}
		if f.Type == FieldTypeEnum && len(f.AllowedValues) == 0 {
			fail("enum field %q requires allowed_values", f.Name)
		}
		if f.Decimals < 0 {
			fail("field %q has negative decimals", f.Name)
		}
		// yaml cannot distinguish "length: 0" from an absent length
		// on an int field, so zero means absent and only negatives
		// are rejected.
		if f.Length < 0 {
			fail("field %q has invalid length %d", f.Name, f.Length)
		}
		f.normalize()
		for _, rule := range f.Rules {
			if err := rule.Compile(); err != nil {
				fail("field %q: %v", f.Name, err)
			}
		}
	}
	for _, rule := range []*Rule{c.RowValidation, c.CatalogValidation} {
		if rule == nil {
			continue
		}
		if err := rule.Compile(); err != nil {
			fail("catalog %q: %v", c.Name, err)
		}
	}
	return findings
}

func (l *Loader) loadPackage(schema *Schema, doc Document, data []byte, diag *types.Diagnostic) {
	var parsed PackageDocument
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		diag.Append(structural(doc.Source, fmt.Sprintf("invalid package document: %v", err)))
		return
	}
	if parsed.Package == nil {
		diag.Append(structural(doc.Source, "package section is empty"))
		return
	}
	body := parsed.Package
	body.normalize()
	pkg := &body.Package

	before := len(diag.Findings)
	fail := func(format string, args ...interface{}) {
		diag.Append(structural(doc.Source, fmt.Sprintf(format, args...)))
	}

	if pkg.Name == "" {
		fail("package is missing 'name'")
	}
	if len(pkg.Catalogs) == 0 {
		fail("package %q must declare at least one catalog", pkg.Name)
	}
	switch pkg.FileFormat.Type {
	case FormatCSV, FormatXLSX, FormatJSON, FormatXML, FormatZIP:
	case "":
		fail("package %q is missing file_format.type", pkg.Name)
	default:
		fail("package %q has unsupported file type %q", pkg.Name, pkg.FileFormat.Type)
	}

	logical := map[string]bool{}
	for _, ref := range pkg.Catalogs {
		if ref.LogicalName == "" {
			fail("package %q has a catalog entry without logical_name", pkg.Name)
			continue
		}
		if logical[ref.LogicalName] {
			fail("package %q declares logical name %q twice", pkg.Name, ref.LogicalName)
		}
		logical[ref.LogicalName] = true

		switch {
		case ref.Inline != nil:
			findings := l.checkCatalog(ref.Inline, doc.Source)
			diag.Append(findings...)
			if !hasError(findings) {
				ref.Catalog = schema.addCatalog(ref.Inline)
			}
		case ref.Path != "":
			handle := l.loadCatalogPath(schema, doc, ref.Path, diag)
			ref.Catalog = handle
			// Inline and by-path forms produce identical in-memory
			// shape: keep the resolved catalog reachable either way.
			if handle >= 0 {
				ref.Inline = nil
			}
		default:
			fail("catalog %q needs either an inline catalog or a path", ref.LogicalName)
		}
	}

	for _, rule := range pkg.CrossRules {
		if err := rule.Compile(); err != nil {
			fail("cross rule %q: %v", rule.Name, err)
			continue
		}
		for _, name := range ReferencedTables(rule.Expression) {
			if !logical[name] {
				fail("cross rule %q references undeclared catalog %q", rule.Name, name)
			}
		}
	}

	if dest := pkg.Destination; dest != nil {
		switch dest.InsertionMethod {
		case "", InsertMethodInsert, InsertMethodUpsert, InsertMethodReplace:
		default:
			fail("package %q has unsupported insertion_method %q", pkg.Name, dest.InsertionMethod)
		}
		if dest.Enabled && dest.Connection.EnvKey == "" {
			switch dest.Connection.Driver {
			case "postgresql", "mysql", "sqlserver", "oracle":
			default:
				fail("package %q has unsupported destination driver %q", pkg.Name, dest.Connection.Driver)
			}
		}
		if dest.Enabled && dest.TargetTable == "" {
			fail("package %q destination requires target_table", pkg.Name)
		}
	}

	if !hasError(diag.Findings[before:]) {
		l.log.Debug("loaded package", "name", pkg.Name, "catalogs", len(pkg.Catalogs))
		schema.addPackage(pkg)
	}
}

// loadCatalogPath resolves a catalog referenced by path, relative to
// the package document. Cycles are detected through the visited set
// keyed by canonical path; repeated references share one arena entry.
func (l *Loader) loadCatalogPath(schema *Schema, doc Document, ref string, diag *types.Diagnostic) int {
	if doc.Source == "" {
		diag.Append(structural(doc.Source, fmt.Sprintf("cannot resolve path reference %q in an in-memory document", ref)))
		return -1
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(doc.Source), ref)
	}
	canon, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		canon = filepath.Clean(path)
	}

	if handle, ok := l.visited[canon]; ok {
		if handle == -1 {
			diag.Append(structural(doc.Source, fmt.Sprintf("circular reference through %q", ref)))
			return -1
		}
		return handle
	}
	l.visited[canon] = -1

	data, err := os.ReadFile(path)
	if err != nil {
		delete(l.visited, canon)
		diag.Append(structural(doc.Source, fmt.Sprintf("cannot read catalog reference %q: %v", ref, err)))
		return -1
	}
	kind, resolved, findings := l.parseDocument(Document{Source: path, Data: data})
	diag.Append(findings...)
	if resolved == nil {
		delete(l.visited, canon)
		return -1
	}
	if kind != KindCatalog {
		delete(l.visited, canon)
		diag.Append(structural(path, fmt.Sprintf("path reference %q must point at a catalog document, found %s", ref, kind)))
		return -1
	}
	handle := l.loadCatalog(schema, Document{Source: path, Data: resolved}, resolved, diag)
	l.visited[canon] = handle
	return handle
}

func (l *Loader) loadSenders(schema *Schema, doc Document, data []byte, diag *types.Diagnostic) {
	var parsed SenderDocument
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		diag.Append(structural(doc.Source, fmt.Sprintf("invalid sender document: %v", err)))
		return
	}
	if parsed.Senders == nil {
		diag.Append(structural(doc.Source, "senders section is empty"))
		return
	}
	roster := parsed.Senders

	before := len(diag.Findings)
	fail := func(format string, args ...interface{}) {
		diag.Append(structural(doc.Source, fmt.Sprintf(format, args...)))
	}

	if len(roster.SendersList) == 0 {
		fail("senders_list must contain at least one sender")
	}
	seen := map[string]bool{}
	for _, snd := range roster.SendersList {
		if snd.SenderID == "" {
			fail("sender is missing sender_id")
			continue
		}
		if seen[snd.SenderID] {
			fail("duplicate sender_id %q", snd.SenderID)
		}
		seen[snd.SenderID] = true

		for _, method := range snd.AllowedMethods {
			switch method {
			case ChannelSFTP, ChannelEmail, ChannelAPI, ChannelFilesystem, ChannelDirectUpload:
			default:
				fail("sender %q allows unsupported channel %q", snd.SenderID, method)
				continue
			}
			if _, ok := snd.Configurations[method]; !ok {
				fail("sender %q is missing configuration for channel %q", snd.SenderID, method)
			}
		}
		if freq := snd.SubmissionFrequency; freq != nil {
			switch freq.Type {
			case "daily", "weekly", "monthly":
			default:
				fail("sender %q has unsupported submission frequency %q", snd.SenderID, freq.Type)
			}
		}
	}

	if !hasError(diag.Findings[before:]) {
		schema.CorporateOwner = roster.CorporateOwner
		schema.DataReceivers = roster.DataReceivers
		for _, snd := range roster.SendersList {
			schema.addSender(snd)
		}
		l.log.Debug("loaded sender roster", "senders", len(roster.SendersList))
	}
}

var tableRefPattern = regexp.MustCompile(`df\['([^']+)'\]`)

// ReferencedTables extracts the logical names a cross rule touches.
// At package scope the first index under df is always a table name.
func ReferencedTables(expression string) []string {
	var names []string
	seen := map[string]bool{}
	for _, match := range tableRefPattern.FindAllStringSubmatch(expression, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

func structural(source, message string) *types.Finding {
	if source != "" {
		message = source + ": " + message
	}
	return &types.Finding{
		Severity: types.Severity_ERROR,
		Scope:    types.Scope_FILE,
		Message:  message,
	}
}

func hasError(findings []*types.Finding) bool {
	for _, f := range findings {
		if f.Severity == types.Severity_ERROR {
			return true
		}
	}
	return false
}
