package reader

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

// decodeTable decodes one blob into a table using the declared format.
func decodeTable(name string, data []byte, format schema.FileFormat) (*types.Table, error) {
	switch format.Type {
	case schema.FormatCSV:
		return decodeCSV(name, data, format)
	case schema.FormatXLSX:
		return decodeXLSX(name, data)
	case schema.FormatJSON:
		return decodeJSON(name, data)
	case schema.FormatXML:
		return decodeXML(name, data)
	}
	return nil, errors.Errorf("unsupported file format %q", format.Type)
}

// detectFormat maps a file extension to a format type.
func detectFormat(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".txt"):
		return schema.FormatCSV
	case strings.HasSuffix(lower, ".xlsx"), strings.HasSuffix(lower, ".xls"):
		return schema.FormatXLSX
	case strings.HasSuffix(lower, ".json"):
		return schema.FormatJSON
	case strings.HasSuffix(lower, ".xml"):
		return schema.FormatXML
	case strings.HasSuffix(lower, ".zip"):
		return schema.FormatZIP
	}
	return ""
}

func charsetDecoder(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin-1", "latin1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder(), nil
	}
	return nil, errors.Errorf("unsupported encoding %q", name)
}

func decodeCSV(name string, data []byte, format schema.FileFormat) (*types.Table, error) {
	decoder, err := charsetDecoder(format.Encoding)
	if err != nil {
		return nil, err
	}
	var reader io.Reader = bytes.NewReader(data)
	if decoder != nil {
		reader = transform.NewReader(reader, decoder)
	}

	cr := csv.NewReader(reader)
	if format.Separator != "" {
		cr.Comma = []rune(format.Separator)[0]
	}
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "cannot read CSV header")
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	table := types.NewTable(name, header)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "cannot read CSV record")
		}
		row := make([]types.Cell, len(header))
		for i := range header {
			if i >= len(record) || strings.TrimSpace(record[i]) == "" {
				row[i] = types.NullCell()
				continue
			}
			row[i] = types.StringCell(record[i])
		}
		if err := table.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func decodeXLSX(name string, data []byte) (*types.Table, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "cannot open workbook")
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no worksheets")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read worksheet %q", sheets[0])
	}
	if len(rows) == 0 {
		return nil, errors.New("worksheet is empty")
	}
	header := rows[0]
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	table := types.NewTable(name, header)
	for _, record := range rows[1:] {
		row := make([]types.Cell, len(header))
		for i := range header {
			if i >= len(record) || strings.TrimSpace(record[i]) == "" {
				row[i] = types.NullCell()
				continue
			}
			row[i] = types.StringCell(record[i])
		}
		if err := table.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func decodeJSON(name string, data []byte) (*types.Table, error) {
	records, columns, err := jsonRecords(data)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(columns); err != nil {
		return nil, err
	}
	table := types.NewTable(name, columns)
	for _, record := range records {
		row := make([]types.Cell, len(columns))
		for i, col := range columns {
			raw, ok := record[col]
			if !ok || raw == nil {
				row[i] = types.NullCell()
				continue
			}
			row[i] = types.StringCell(renderJSONValue(raw))
		}
		if err := table.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// jsonRecords accepts either a bare array of objects or an object
// with a records key. Column order follows the key order of the first
// record; keys that only appear later are appended sorted.
func jsonRecords(data []byte) ([]map[string]interface{}, []string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper struct {
			Records json.RawMessage `json:"records"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, nil, errors.Wrap(err, "invalid JSON document")
		}
		if wrapper.Records == nil {
			return nil, nil, errors.New("JSON object is missing the records key")
		}
		trimmed = wrapper.Records
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, nil, errors.Wrap(err, "JSON document must be an array of objects")
	}

	columns, err := firstRecordKeys(trimmed)
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]bool{}
	for _, c := range columns {
		seen[c] = true
	}
	var extra []string
	for _, record := range records {
		for key := range record {
			if !seen[key] {
				seen[key] = true
				extra = append(extra, key)
			}
		}
	}
	sort.Strings(extra)
	return records, append(columns, extra...), nil
}

// firstRecordKeys walks the token stream to recover the key order of
// the first object, which encoding/json maps would lose.
func firstRecordKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil { // opening [
		return nil, errors.Wrap(err, "invalid JSON array")
	}
	if !dec.More() {
		return nil, nil
	}
	if _, err := dec.Token(); err != nil { // opening { of first record
		return nil, errors.Wrap(err, "invalid JSON record")
	}
	var keys []string
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "invalid JSON record")
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				if depth == 0 {
					return keys, nil
				}
				depth--
			}
			continue
		}
		if depth == 0 {
			if key, ok := tok.(string); ok {
				keys = append(keys, key)
				// skip the value
				if err := skipValue(dec); err != nil {
					return nil, err
				}
			}
		}
	}
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, "invalid JSON value")
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	depth := 1
	if delim == '}' || delim == ']' {
		return errors.New("unexpected closing delimiter")
	}
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return errors.Wrap(err, "invalid JSON value")
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

func renderJSONValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlRecord struct {
	XMLName xml.Name
	Fields  []xmlField `xml:",any"`
}

type xmlRoot struct {
	XMLName xml.Name
	Records []xmlRecord `xml:",any"`
}

func decodeXML(name string, data []byte) (*types.Table, error) {
	var root xmlRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "invalid XML document")
	}

	var columns []string
	seen := map[string]bool{}
	for _, record := range root.Records {
		for _, field := range record.Fields {
			if !seen[field.XMLName.Local] {
				seen[field.XMLName.Local] = true
				columns = append(columns, field.XMLName.Local)
			}
		}
	}
	if err := checkHeader(columns); err != nil {
		return nil, err
	}

	table := types.NewTable(name, columns)
	for _, record := range root.Records {
		values := map[string]string{}
		for _, field := range record.Fields {
			values[field.XMLName.Local] = field.Value
		}
		row := make([]types.Cell, len(columns))
		for i, col := range columns {
			value, ok := values[col]
			if !ok || strings.TrimSpace(value) == "" {
				row[i] = types.NullCell()
				continue
			}
			row[i] = types.StringCell(strings.TrimSpace(value))
		}
		if err := table.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// HeaderError marks a malformed header. Header problems are reported
// at catalog scope while other decode failures stay at file scope.
type HeaderError struct {
	Message string
}

func (e *HeaderError) Error() string { return e.Message }

// checkHeader rejects duplicate and empty column names.
func checkHeader(header []string) error {
	seen := map[string]bool{}
	for _, col := range header {
		if strings.TrimSpace(col) == "" {
			return &HeaderError{Message: "input has an empty column header"}
		}
		if seen[col] {
			return &HeaderError{Message: "duplicate column header " + strconv.Quote(col)}
		}
		seen[col] = true
	}
	return nil
}
