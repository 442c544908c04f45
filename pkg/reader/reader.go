// Package reader turns submitted files into in-memory tables keyed by
// the logical names a package declares. It handles single-file
// submissions as well as ZIP archives, filename pattern checks, and
// the per-format decoders.
package reader

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

// ReadPackage reads one submission for the given package and sender.
// The returned map is keyed by logical catalog name. Findings cover
// the file boundary only: pattern mismatches, undecodable content,
// archive entries that match no catalog, and columns the catalog does
// not declare. Validation of the data itself happens elsewhere.
func ReadPackage(sch *schema.Schema, pkg *schema.Package, data []byte, fileName, senderID string) (map[string]*types.Table, *types.Diagnostic) {
	diag := &types.Diagnostic{}

	if pkg.FileFormat.Pattern != "" {
		ok, err := MatchPattern(pkg.FileFormat.Pattern, senderID, fileName)
		if err != nil {
			diag.Append(fileFinding("", fmt.Sprintf("invalid filename pattern %q: %v", pkg.FileFormat.Pattern, err)))
			return nil, diag
		}
		if !ok {
			diag.Append(fileFinding("", fmt.Sprintf("file name %q does not match the expected pattern %q", fileName, pkg.FileFormat.Pattern)))
			return nil, diag
		}
	}

	outer := pkg.FileFormat.Type
	if outer == "" {
		outer = detectFormat(fileName)
	}
	if outer == schema.FormatZIP {
		return readArchive(sch, pkg, data, diag)
	}
	return readSingleFile(sch, pkg, data, fileName, diag)
}

// readSingleFile decodes a non-archive submission. The package must
// reference exactly one catalog in that case.
func readSingleFile(sch *schema.Schema, pkg *schema.Package, data []byte, fileName string, diag *types.Diagnostic) (map[string]*types.Table, *types.Diagnostic) {
	if len(pkg.Catalogs) != 1 {
		diag.Append(fileFinding("", fmt.Sprintf(
			"package %q references %d catalogs but the submission is a single file; a ZIP archive is required",
			pkg.Name, len(pkg.Catalogs))))
		return nil, diag
	}

	ref := pkg.Catalogs[0]
	catalog, err := sch.Catalog(ref.Catalog)
	if err != nil {
		diag.Append(fileFinding(ref.LogicalName, err.Error()))
		return nil, diag
	}

	format := resolveFormat(ref, catalog, fileName, pkg.FileFormat)
	table, err := decodeTable(ref.LogicalName, data, format)
	if err != nil {
		appendDecodeFinding(diag, ref.LogicalName, err)
		return nil, diag
	}

	reportUnknownColumns(diag, catalog, table)
	return map[string]*types.Table{ref.LogicalName: table}, diag
}

// readArchive decodes a ZIP submission, matching each archive entry to
// a catalog reference. Every declared catalog must be matched by
// exactly one entry, and every entry must belong to some catalog.
func readArchive(sch *schema.Schema, pkg *schema.Package, data []byte, diag *types.Diagnostic) (map[string]*types.Table, *types.Diagnostic) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		diag.Append(fileFinding("", fmt.Sprintf("cannot open ZIP archive: %v", err)))
		return nil, diag
	}

	tables := map[string]*types.Table{}
	claimed := map[string]bool{}

	for _, ref := range pkg.Catalogs {
		catalog, err := sch.Catalog(ref.Catalog)
		if err != nil {
			diag.Append(fileFinding(ref.LogicalName, err.Error()))
			continue
		}
		entry := matchEntry(archive, ref)
		if entry == nil {
			diag.Append(fileFinding(ref.LogicalName, fmt.Sprintf(
				"archive has no entry for catalog %q (expected %s)",
				ref.LogicalName, expectedEntry(ref))))
			continue
		}
		claimed[entry.Name] = true

		content, err := readEntry(entry)
		if err != nil {
			diag.Append(fileFinding(ref.LogicalName, fmt.Sprintf("cannot read archive entry %q: %v", entry.Name, err)))
			continue
		}

		format := resolveFormat(ref, catalog, entry.Name, pkg.FileFormat)
		table, err := decodeTable(ref.LogicalName, content, format)
		if err != nil {
			appendDecodeFinding(diag, ref.LogicalName, err)
			continue
		}
		reportUnknownColumns(diag, catalog, table)
		tables[ref.LogicalName] = table
	}

	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() || claimed[entry.Name] {
			continue
		}
		diag.Append(fileFinding("", fmt.Sprintf("archive entry %q matches no catalog of package %q", entry.Name, pkg.Name)))
	}

	if diag.HasErrors() {
		return nil, diag
	}
	return tables, diag
}

// matchEntry finds the archive entry for a catalog reference, first by
// the declared file_inside_archive name and then by the reference's
// own filename pattern.
func matchEntry(archive *zip.Reader, ref *schema.CatalogRef) *zip.File {
	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if ref.FileInsideArchive != "" && entry.Name == ref.FileInsideArchive {
			return entry
		}
	}
	if ref.FileFormat == nil || ref.FileFormat.Pattern == "" {
		return nil
	}
	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		// sender_id never appears inside archive entry names
		if ok, err := MatchPattern(ref.FileFormat.Pattern, "", entry.Name); err == nil && ok {
			return entry
		}
	}
	return nil
}

func expectedEntry(ref *schema.CatalogRef) string {
	if ref.FileInsideArchive != "" {
		return fmt.Sprintf("entry %q", ref.FileInsideArchive)
	}
	if ref.FileFormat != nil && ref.FileFormat.Pattern != "" {
		return fmt.Sprintf("an entry matching %q", ref.FileFormat.Pattern)
	}
	return "no entry name declared"
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// resolveFormat picks the decoding format for one table: the catalog
// reference's override wins, then the catalog's own declaration, then
// the entry's file extension, then the package format.
func resolveFormat(ref *schema.CatalogRef, catalog *schema.Catalog, entryName string, pkgFormat schema.FileFormat) schema.FileFormat {
	if ref.FileFormat != nil && ref.FileFormat.Type != "" {
		return *ref.FileFormat
	}
	if catalog.FileFormat != nil && catalog.FileFormat.Type != "" {
		return *catalog.FileFormat
	}
	if detected := detectFormat(entryName); detected != "" && detected != schema.FormatZIP {
		format := pkgFormat
		format.Type = detected
		return format
	}
	if pkgFormat.Type != "" && pkgFormat.Type != schema.FormatZIP {
		return pkgFormat
	}
	// last resort so the decoder produces a sensible error message
	format := pkgFormat
	format.Type = schema.FormatCSV
	return format
}

// reportUnknownColumns emits one INFO finding naming every column the
// input carries that the catalog does not declare. Extra columns are
// ignored during validation and never inserted.
func reportUnknownColumns(diag *types.Diagnostic, catalog *schema.Catalog, table *types.Table) {
	var unknown []string
	for _, col := range table.Columns {
		if catalog.Field(col) == nil {
			unknown = append(unknown, col)
		}
	}
	if len(unknown) == 0 {
		return
	}
	diag.Append(&types.Finding{
		Severity: types.Severity_INFO,
		Scope:    types.Scope_CATALOG,
		Catalog:  table.Name,
		Message:  fmt.Sprintf("input has columns not declared in the catalog: %s", strings.Join(unknown, ", ")),
	})
}

// appendDecodeFinding classifies a decode failure: header problems are
// catalog findings, everything else is a file finding.
func appendDecodeFinding(diag *types.Diagnostic, logicalName string, err error) {
	var headerErr *HeaderError
	if errors.As(err, &headerErr) {
		diag.Append(&types.Finding{
			Severity: types.Severity_ERROR,
			Scope:    types.Scope_CATALOG,
			Catalog:  logicalName,
			Message:  headerErr.Message,
		})
		return
	}
	diag.Append(fileFinding(logicalName, err.Error()))
}

func fileFinding(catalog, message string) *types.Finding {
	return &types.Finding{
		Severity: types.Severity_ERROR,
		Scope:    types.Scope_FILE,
		Catalog:  catalog,
		Message:  message,
	}
}
