// Package tabular is the row-and-column engine shared by data retrieval,
// transformation plans and export rendering. A Table is an ordered column
// list over map rows, which is enough to rename, filter, aggregate and
// round-trip through CSV and JSON without a dataframe dependency. Cell
// values are restricted to nil, bool, int64, float64, string and
// time.Time.
package tabular

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dossier/internal/faults"
)

// Column types reported by Schema.
const (
	TypeInteger   = "INTEGER"
	TypeFloat     = "FLOAT"
	TypeBoolean   = "BOOLEAN"
	TypeTimestamp = "TIMESTAMP"
	TypeString    = "STRING"
)

// ColumnSchema describes one column of a table.
type ColumnSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table holds rows keyed by column name. Columns fixes the output order;
// rows may omit keys, which read back as nil.
type Table struct {
	Columns []string
	Rows    []map[string]interface{}
}

// naSpellings are treated as missing values on CSV read.
var naSpellings = map[string]bool{
	"":     true,
	"NA":   true,
	"N/A":  true,
	"NaN":  true,
	"nan":  true,
	"null": true,
	"NULL": true,
}

// ReadCSV parses header-first CSV. Empty cells and common NA spellings
// become nil; integer, float and boolean literals are coerced and
// everything else stays a string.
func ReadCSV(r io.Reader) (*Table, error) {
	const op = "tabular.read_csv"
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, faults.New(faults.KindPermanentIO, op, "empty csv input")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, op, err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.TrimSpace(h)
	}
	t := &Table{Columns: cols}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, faults.Wrap(faults.KindPermanentIO, op, err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if i < len(rec) {
				row[col] = CoerceCSV(rec[i])
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// CoerceCSV turns one CSV cell into a typed value.
func CoerceCSV(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	if naSpellings[trimmed] {
		return nil
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	switch trimmed {
	case "true", "True", "TRUE":
		return true
	case "false", "False", "FALSE":
		return false
	}
	return s
}

// ReadJSON parses a top-level array of objects, or a single object as a
// one-row table. Nested objects flatten into dotted column names; arrays
// are kept as compact JSON text so they survive a trip through CSV.
func ReadJSON(r io.Reader) (*Table, error) {
	const op = "tabular.read_json"
	dec := json.NewDecoder(r)
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, op, err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, faults.Errorf(faults.KindPermanentIO, op, "top-level JSON must be an object or an array")
	}
	t := &Table{}
	seen := make(map[string]bool)
	switch delim {
	case '[':
		for dec.More() {
			row, keys, err := decodeRow(dec)
			if err != nil {
				return nil, faults.Wrap(faults.KindPermanentIO, op, err)
			}
			t.appendColumns(seen, keys)
			t.Rows = append(t.Rows, row)
		}
		if _, err := dec.Token(); err != nil {
			return nil, faults.Wrap(faults.KindPermanentIO, op, err)
		}
	case '{':
		row := make(map[string]interface{})
		var keys []string
		if err := decodeFields(dec, "", row, &keys); err != nil {
			return nil, faults.Wrap(faults.KindPermanentIO, op, err)
		}
		t.appendColumns(seen, keys)
		t.Rows = append(t.Rows, row)
	default:
		return nil, faults.Errorf(faults.KindPermanentIO, op, "top-level JSON must be an object or an array")
	}
	return t, nil
}

// decodeRow consumes one object from dec, returning its flattened cells
// plus the column names in order of first appearance.
func decodeRow(dec *json.Decoder) (map[string]interface{}, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}
	row := make(map[string]interface{})
	var keys []string
	if err := decodeFields(dec, "", row, &keys); err != nil {
		return nil, nil, err
	}
	return row, keys, nil
}

// decodeFields reads key/value pairs until the enclosing object closes.
// dec must be positioned just inside the opening brace.
func decodeFields(dec *json.Decoder, prefix string, row map[string]interface{}, keys *[]string) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected an object key, got %v", tok)
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		body := bytes.TrimSpace(raw)
		if len(body) > 0 && body[0] == '{' {
			sub := json.NewDecoder(bytes.NewReader(body))
			sub.UseNumber()
			if _, err := sub.Token(); err != nil {
				return err
			}
			if err := decodeFields(sub, name, row, keys); err != nil {
				return err
			}
			continue
		}
		val, err := scalarValue(body)
		if err != nil {
			return err
		}
		row[name] = val
		*keys = append(*keys, name)
	}
	_, err := dec.Token()
	return err
}

// scalarValue decodes a leaf value, preserving the int64/float64 split.
func scalarValue(raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.String(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	}
	return v, nil
}

func (t *Table) appendColumns(seen map[string]bool, keys []string) {
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			t.Columns = append(t.Columns, k)
		}
	}
}

// ReadFile loads a table from a .csv or .json file.
func ReadFile(path string) (*Table, error) {
	const op = "tabular.read_file"
	f, err := os.Open(path)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, op, err)
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".json":
		return ReadJSON(f)
	}
	return nil, faults.Errorf(faults.KindPermanentIO, op, "unsupported table format %q", filepath.Ext(path))
}

// WriteCSV writes the table with a header row. See FormatCell for the
// cell encoding.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, col := range t.Columns {
			rec[i] = FormatCell(row[col])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes rows as a JSON array of objects, keeping column order.
func (t *Table) WriteJSON(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range t.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, col := range t.Columns {
			if j > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(col)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			val, err := json.Marshal(jsonCell(row[col]))
			if err != nil {
				return err
			}
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	_, err := w.Write(buf.Bytes())
	return err
}

// jsonCell maps cell values onto their JSON encodings.
func jsonCell(v interface{}) interface{} {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339)
	}
	return v
}

// WriteFile writes the table to path, choosing the codec from the
// extension.
func (t *Table) WriteFile(path string) error {
	const op = "tabular.write_file"
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		if err := t.WriteCSV(&buf); err != nil {
			return faults.Wrap(faults.KindPermanentIO, op, err)
		}
	case ".json":
		if err := t.WriteJSON(&buf); err != nil {
			return faults.Wrap(faults.KindPermanentIO, op, err)
		}
	default:
		return faults.Errorf(faults.KindPermanentIO, op, "unsupported table format %q", filepath.Ext(path))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return faults.Wrap(faults.KindPermanentIO, op, err)
	}
	return nil
}

// FormatCell renders a cell for CSV output. Nil becomes the empty string
// and timestamps use RFC 3339.
func FormatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

// Schema infers a column type from the cells present. Mixed integer and
// float columns report FLOAT; any other mix reports STRING, which is
// also the type of an all-null column.
func (t *Table) Schema() []ColumnSchema {
	out := make([]ColumnSchema, 0, len(t.Columns))
	for _, col := range t.Columns {
		var ints, floats, bools, times, strs, nulls int
		for _, row := range t.Rows {
			switch row[col].(type) {
			case nil:
				nulls++
			case int64:
				ints++
			case float64:
				floats++
			case bool:
				bools++
			case time.Time:
				times++
			default:
				strs++
			}
		}
		typed := ints + floats + bools + times + strs
		typ := TypeString
		switch {
		case typed == 0 || strs > 0:
			typ = TypeString
		case bools == typed:
			typ = TypeBoolean
		case times == typed:
			typ = TypeTimestamp
		case ints == typed:
			typ = TypeInteger
		case ints+floats == typed:
			typ = TypeFloat
		}
		out = append(out, ColumnSchema{Name: col, Type: typ, Nullable: nulls > 0})
	}
	return out
}

// NullCounts reports the number of missing cells per column. Columns
// without missing cells have no entry.
func (t *Table) NullCounts() map[string]int {
	counts := make(map[string]int)
	for _, col := range t.Columns {
		for _, row := range t.Rows {
			if row[col] == nil {
				counts[col]++
			}
		}
	}
	return counts
}

// Preview returns up to n leading rows.
func (t *Table) Preview(n int) []map[string]interface{} {
	if n < 0 {
		n = 0
	}
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	out := make([]map[string]interface{}, n)
	copy(out, t.Rows[:n])
	return out
}

// Clone deep-copies the table so steps can mutate rows without aliasing
// their input.
func (t *Table) Clone() *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...)}
	out.Rows = make([]map[string]interface{}, len(t.Rows))
	for i, row := range t.Rows {
		dup := make(map[string]interface{}, len(row))
		for k, v := range row {
			dup[k] = v
		}
		out.Rows[i] = dup
	}
	return out
}

// ToInt coerces a cell to int64. Floats truncate toward zero; ok is
// false for NaN, infinities, unparseable strings and nil.
func ToInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	}
	return 0, false
}

// ToFloat coerces a cell to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return x, true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return 0, false
}

// timeLayouts are tried in order when coercing strings to timestamps.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
}

// ToTime coerces a cell to a timestamp. Numbers are not interpreted.
func ToTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// ToString renders any non-nil cell in its CSV form. Nil stays missing.
func ToString(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	return FormatCell(v), true
}
