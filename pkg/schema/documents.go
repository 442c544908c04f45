package schema

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Document kinds accepted by the loader.
const (
	KindCatalog = "catalog"
	KindPackage = "package"
	KindSender  = "sender"
)

// CatalogDocument is the top-level shape of a catalog.yaml.
type CatalogDocument struct {
	Catalog *Catalog `yaml:"catalog"`
}

// PackageDocument is the top-level shape of a package.yaml.
type PackageDocument struct {
	Package *PackageBody `yaml:"package"`
}

// PackageBody is a Package plus the legacy surfaces the corpus still
// uses: a components mapping instead of a catalogs list, rules nested
// under package_validation, and file_format nested under methods.
type PackageBody struct {
	Package `yaml:",inline"`

	Components        map[string]*CatalogRef `yaml:"components,omitempty"`
	PackageValidation *packageValidation     `yaml:"package_validation,omitempty"`
	Methods           *legacyMethods         `yaml:"methods,omitempty"`
}

type packageValidation struct {
	Rules []*Rule `yaml:"validation_rules"`
}

type legacyMethods struct {
	FileFormat *FileFormat `yaml:"file_format"`
}

// SenderDocument is the top-level shape of a senders.yaml.
type SenderDocument struct {
	Senders *SenderRoster `yaml:"senders"`
}

// SenderRoster holds the roster metadata plus the sender list.
type SenderRoster struct {
	CorporateOwner string    `yaml:"corporate_owner,omitempty"`
	DataReceivers  []Receiver `yaml:"data_receivers,omitempty"`
	SendersList    []*Sender `yaml:"senders_list"`
}

// normalize folds the legacy surfaces into the canonical Package
// shape. Components are ordered by file name so loading stays
// deterministic.
func (b *PackageBody) normalize() {
	if b.Methods != nil && b.Methods.FileFormat != nil && b.FileFormat.Type == "" {
		b.FileFormat = *b.Methods.FileFormat
	}
	b.Methods = nil

	if len(b.Components) > 0 && len(b.Catalogs) == 0 {
		names := make([]string, 0, len(b.Components))
		for name := range b.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, fileName := range names {
			ref := b.Components[fileName]
			if ref == nil {
				ref = &CatalogRef{}
			}
			base := fileName
			if dot := strings.LastIndex(base, "."); dot > 0 {
				base = base[:dot]
			}
			if ref.LogicalName == "" {
				ref.LogicalName = base
			}
			if ref.FileInsideArchive == "" {
				ref.FileInsideArchive = fileName
			}
			if ref.Path == "" && ref.Inline == nil {
				ref.Path = base + ".yaml"
			}
			b.Catalogs = append(b.Catalogs, ref)
		}
	}
	b.Components = nil

	if b.PackageValidation != nil && len(b.CrossRules) == 0 {
		b.CrossRules = b.PackageValidation.Rules
	}
	b.PackageValidation = nil
}

// normalizeField folds a legacy inline validation expression into the
// Rules list.
func (f *FieldSpec) normalize() {
	if f.InlineExpression != "" {
		f.Rules = append(f.Rules, &Rule{
			Expression: f.InlineExpression,
			Message:    f.InlineMessage,
			Severity:   f.InlineSeverity,
		})
		f.InlineExpression = ""
		f.InlineMessage = ""
		f.InlineSeverity = 0
	}
}

// sniffKind reports which document class a parsed YAML mapping is.
func sniffKind(raw map[string]yaml.Node) (string, error) {
	if _, ok := raw["catalog"]; ok {
		return KindCatalog, nil
	}
	if _, ok := raw["package"]; ok {
		return KindPackage, nil
	}
	if _, ok := raw["senders"]; ok {
		return KindSender, nil
	}
	return "", errors.New("document has none of the top-level keys catalog, package, senders")
}

// CatalogDocumentOf serializes a loaded catalog back to document form.
func CatalogDocumentOf(c *Catalog) *CatalogDocument {
	return &CatalogDocument{Catalog: c}
}

// PackageDocumentOf serializes a loaded package back to document
// form. Path references are replaced by the resolved inline catalog so
// the document is self-contained and reload-stable.
func (s *Schema) PackageDocumentOf(name string) (*PackageDocument, error) {
	pkg, ok := s.PackageByName(name)
	if !ok {
		return nil, errors.Errorf("unknown package %q", name)
	}
	body := &PackageBody{Package: *pkg}
	body.Catalogs = make([]*CatalogRef, len(pkg.Catalogs))
	for i, ref := range pkg.Catalogs {
		catalog, err := s.Catalog(ref.Catalog)
		if err != nil {
			return nil, err
		}
		clone := *ref
		clone.Path = ""
		clone.Inline = catalog
		body.Catalogs[i] = &clone
	}
	return &PackageDocument{Package: body}, nil
}

// SenderDocumentOf serializes the loaded roster back to document form.
func (s *Schema) SenderDocumentOf() *SenderDocument {
	return &SenderDocument{Senders: &SenderRoster{
		CorporateOwner: s.CorporateOwner,
		DataReceivers:  s.DataReceivers,
		SendersList:    s.Senders,
	}}
}
