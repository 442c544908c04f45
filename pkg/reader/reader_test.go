package reader

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

func loadSchema(t *testing.T, doc string) (*schema.Schema, *schema.Package) {
	t.Helper()
	sch, diag := schema.NewLoader(schema.WithSecrets(schema.StaticSecrets{})).
		LoadDocuments(schema.Document{Data: []byte(doc)})
	require.NotNil(t, sch, "unexpected findings: %v", diag.Findings)
	require.Len(t, sch.Packages, 1)
	return sch, sch.Packages[0]
}

func zipBlob(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

const singleCSVPackage = `
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
          - name: total
            type: number
`

func TestReadSingleCSV(t *testing.T) {
	sch, pkg := loadSchema(t, singleCSVPackage)

	blob := []byte("codigo,total\nA,10\nB,\n")
	tables, diag := ReadPackage(sch, pkg, blob, "ventas_TEST001_20260301.csv", "TEST001")
	require.False(t, diag.HasErrors(), "unexpected findings: %v", diag.Findings)

	table := tables["ventas"]
	require.NotNil(t, table)
	assert.Equal(t, []string{"codigo", "total"}, table.Columns)
	assert.Equal(t, 2, table.RowCount())

	cell, err := table.Cell(2, "total")
	require.NoError(t, err)
	assert.True(t, cell.Null)
}

func TestFilenamePatternMismatch(t *testing.T) {
	sch, pkg := loadSchema(t, singleCSVPackage)

	_, diag := ReadPackage(sch, pkg, []byte("codigo,total\n"), "wrong_name.csv", "TEST001")
	require.True(t, diag.HasErrors())
	assert.Equal(t, types.Scope_FILE, diag.Findings[0].Scope)
	assert.Contains(t, diag.Findings[0].Message, "does not match")
}

func TestFilenamePatternBindsSenderID(t *testing.T) {
	sch, pkg := loadSchema(t, singleCSVPackage)

	// the {sender_id} placeholder is the submitting sender, not any id
	_, diag := ReadPackage(sch, pkg, []byte("codigo,total\n"), "ventas_OTHER_20260301.csv", "TEST001")
	require.True(t, diag.HasErrors())
	assert.Equal(t, types.Scope_FILE, diag.Findings[0].Scope)
}

func TestDuplicateHeaderIsCatalogError(t *testing.T) {
	sch, pkg := loadSchema(t, singleCSVPackage)

	blob := []byte("codigo,codigo\nA,B\n")
	_, diag := ReadPackage(sch, pkg, blob, "ventas_TEST001_20260301.csv", "TEST001")
	require.True(t, diag.HasErrors())
	assert.Equal(t, types.Scope_CATALOG, diag.Findings[0].Scope)
	assert.Equal(t, "ventas", diag.Findings[0].Catalog)
	assert.Contains(t, diag.Findings[0].Message, "duplicate column header")
}

func TestUndeclaredColumnsAreReported(t *testing.T) {
	sch, pkg := loadSchema(t, singleCSVPackage)

	blob := []byte("codigo,total,extra\nA,10,x\n")
	tables, diag := ReadPackage(sch, pkg, blob, "ventas_TEST001_20260301.csv", "TEST001")
	require.False(t, diag.HasErrors())
	require.NotNil(t, tables["ventas"])

	require.Len(t, diag.Findings, 1)
	finding := diag.Findings[0]
	assert.Equal(t, types.Severity_INFO, finding.Severity)
	assert.Equal(t, types.Scope_CATALOG, finding.Scope)
	assert.Contains(t, finding.Message, "extra")
}

const zipPackage = `
package:
  name: maestro
  file_format:
    type: ZIP
  catalogs:
    - logical_name: ventas
      file_inside_archive: ventas.csv
      catalog:
        name: ventas
        fields:
          - name: customer_id
            type: text
    - logical_name: clientes
      file_inside_archive: clientes.csv
      catalog:
        name: clientes
        fields:
          - name: customer_id
            type: text
`

func TestReadZIPArchive(t *testing.T) {
	sch, pkg := loadSchema(t, zipPackage)

	blob := zipBlob(t, map[string]string{
		"ventas.csv":   "customer_id\nC1\nC2\n",
		"clientes.csv": "customer_id\nC1\n",
	})
	tables, diag := ReadPackage(sch, pkg, blob, "maestro.zip", "TEST001")
	require.False(t, diag.HasErrors(), "unexpected findings: %v", diag.Findings)

	require.Len(t, tables, 2)
	assert.Equal(t, 2, tables["ventas"].RowCount())
	assert.Equal(t, 1, tables["clientes"].RowCount())
}

func TestZIPMissingEntry(t *testing.T) {
	sch, pkg := loadSchema(t, zipPackage)

	blob := zipBlob(t, map[string]string{"ventas.csv": "customer_id\nC1\n"})
	_, diag := ReadPackage(sch, pkg, blob, "maestro.zip", "TEST001")
	require.True(t, diag.HasErrors())
	assert.Equal(t, types.Scope_FILE, diag.Findings[0].Scope)
	assert.Contains(t, diag.Findings[0].Message, "clientes")
}

func TestZIPUnmatchedEntry(t *testing.T) {
	sch, pkg := loadSchema(t, zipPackage)

	blob := zipBlob(t, map[string]string{
		"ventas.csv":   "customer_id\nC1\n",
		"clientes.csv": "customer_id\nC1\n",
		"stray.csv":    "x\n1\n",
	})
	_, diag := ReadPackage(sch, pkg, blob, "maestro.zip", "TEST001")
	require.True(t, diag.HasErrors())

	var matched bool
	for _, f := range diag.Findings {
		if f.Scope == types.Scope_FILE && bytes.Contains([]byte(f.Message), []byte("stray.csv")) {
			matched = true
		}
	}
	assert.True(t, matched, "expected a finding about the stray entry, got %v", diag.Findings)
}

func TestCorruptArchive(t *testing.T) {
	sch, pkg := loadSchema(t, zipPackage)

	_, diag := ReadPackage(sch, pkg, []byte("customer_id\nC1\n"), "maestro.zip", "TEST001")
	require.True(t, diag.HasErrors())
	assert.Contains(t, diag.Findings[0].Message, "cannot open ZIP archive")
}

func TestSingleFileNeedsSingleCatalog(t *testing.T) {
	doc := `
package:
  name: twocats
  file_format:
    type: CSV
  catalogs:
    - logical_name: a
      catalog:
        name: a
        fields:
          - name: x
            type: text
    - logical_name: b
      catalog:
        name: b
        fields:
          - name: x
            type: text
`
	sch, pkg := loadSchema(t, doc)

	_, diag := ReadPackage(sch, pkg, []byte("x\n1\n"), "twocats.csv", "TEST001")
	require.True(t, diag.HasErrors())
	assert.Contains(t, diag.Findings[0].Message, "ZIP archive is required")
}

func TestCSVSeparatorAndEncoding(t *testing.T) {
	doc := `
package:
  name: latin
  file_format:
    type: CSV
    separator: ";"
    encoding: latin-1
  catalogs:
    - logical_name: datos
      catalog:
        name: datos
        fields:
          - name: nombre
            type: text
`
	sch, pkg := loadSchema(t, doc)

	// 0xF1 is latin-1 for the n with tilde
	blob := []byte("nombre\nma\xf1ana\n")
	tables, diag := ReadPackage(sch, pkg, blob, "datos.csv", "")
	require.False(t, diag.HasErrors(), "unexpected findings: %v", diag.Findings)

	cell, err := tables["datos"].Cell(1, "nombre")
	require.NoError(t, err)
	assert.Equal(t, "mañana", cell.Raw)
}

func TestReadJSONRecords(t *testing.T) {
	doc := `
package:
  name: jsonpkg
  file_format:
    type: JSON
  catalogs:
    - logical_name: datos
      catalog:
        name: datos
        fields:
          - name: id
            type: number
          - name: nombre
            type: text
`
	sch, pkg := loadSchema(t, doc)

	blob := []byte(`[{"id": 1, "nombre": "uno"}, {"id": 2, "nombre": null}]`)
	tables, diag := ReadPackage(sch, pkg, blob, "datos.json", "")
	require.False(t, diag.HasErrors(), "unexpected findings: %v", diag.Findings)

	table := tables["datos"]
	assert.Equal(t, []string{"id", "nombre"}, table.Columns)
	cell, err := table.Cell(1, "id")
	require.NoError(t, err)
	assert.Equal(t, "1", cell.Raw)
	cell, err = table.Cell(2, "nombre")
	require.NoError(t, err)
	assert.True(t, cell.Null)
}

func TestReadXLSXWorkbook(t *testing.T) {
	doc := `
package:
  name: xlsxpkg
  file_format:
    type: XLSX
  catalogs:
    - logical_name: datos
      catalog:
        name: datos
        fields:
          - name: codigo
            type: text
          - name: total
            type: number
`
	sch, pkg := loadSchema(t, doc)

	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	require.NoError(t, book.SetSheetRow(sheet, "A1", &[]interface{}{"codigo", "total"}))
	require.NoError(t, book.SetSheetRow(sheet, "A2", &[]interface{}{"A", 10}))
	require.NoError(t, book.SetSheetRow(sheet, "A3", &[]interface{}{"B", 20}))
	buf, err := book.WriteToBuffer()
	require.NoError(t, err)

	tables, diag := ReadPackage(sch, pkg, buf.Bytes(), "datos.xlsx", "")
	require.False(t, diag.HasErrors(), "unexpected findings: %v", diag.Findings)
	assert.Equal(t, 2, tables["datos"].RowCount())
}

func TestReadXMLRecords(t *testing.T) {
	doc := `
package:
  name: xmlpkg
  file_format:
    type: XML
  catalogs:
    - logical_name: datos
      catalog:
        name: datos
        fields:
          - name: codigo
            type: text
`
	sch, pkg := loadSchema(t, doc)

	blob := []byte(`<rows><row><codigo>A</codigo></row><row><codigo> </codigo></row></rows>`)
	tables, diag := ReadPackage(sch, pkg, blob, "datos.xml", "")
	require.False(t, diag.HasErrors(), "unexpected findings: %v", diag.Findings)

	table := tables["datos"]
	require.Equal(t, 2, table.RowCount())
	cell, err := table.Cell(2, "codigo")
	require.NoError(t, err)
	assert.True(t, cell.Null)
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern  string
		filename string
		want     bool
	}{
		{"ventas_{sender_id}_{date}.csv", "ventas_S1_20260301.csv", true},
		{"ventas_{sender_id}_{date}.csv", "ventas_S1_2026030.csv", false},
		{"ventas_{sender_id}_{date}.csv", "xventas_S1_20260301.csv", false},
		{"{date}.zip", "20260301.zip", true},
		{"plain.csv", "plain.csv", true},
		{"plain.csv", "plainXcsv", false},
	}
	for _, tt := range tests {
		ok, err := MatchPattern(tt.pattern, "S1", tt.filename)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.want, ok, "%s vs %s", tt.pattern, tt.filename)
	}

	_, err := CompilePattern("x_{bogus}.csv", "S1")
	assert.Error(t, err)
}
