package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"dossier/internal/logging"
	"dossier/internal/tabular"
)

// applyStep dispatches one plan step. Unknown step types pass the table
// through untouched so a plan with an exotic step still completes.
func (w *Worker) applyStep(t *tabular.Table, stepType string, step map[string]interface{}) (*tabular.Table, error) {
	switch stepType {
	case "rename":
		return renameStep(t, step), nil
	case "convert":
		return convertStep(t, step), nil
	case "dedupe":
		return dedupeStep(t, step)
	case "fillna":
		return fillnaStep(t, step), nil
	case "filter":
		return w.filterStep(t, step)
	case "aggregate":
		return aggregateStep(t, step)
	case "derive":
		return w.deriveStep(t, step), nil
	}
	return t, nil
}

// renameStep maps old column names to new ones. Names absent from the
// table are ignored.
func renameStep(t *tabular.Table, step map[string]interface{}) *tabular.Table {
	mapping := objectField(step, "mapping")
	if len(mapping) == 0 {
		return t
	}
	for i, col := range t.Columns {
		next, ok := mapping[col].(string)
		if !ok || next == "" || next == col {
			continue
		}
		t.Columns[i] = next
		for _, row := range t.Rows {
			if v, exists := row[col]; exists {
				row[next] = v
				delete(row, col)
			}
		}
	}
	return t
}

// convertStep coerces columns to int, float, datetime or string. Cells
// that refuse the target type become nil instead of failing the plan,
// except string conversion, which leaves missing cells missing.
func convertStep(t *tabular.Table, step map[string]interface{}) *tabular.Table {
	conversions := objectField(step, "conversions")
	for col, target := range conversions {
		if !hasColumn(t, col) {
			continue
		}
		kind, _ := target.(string)
		switch kind {
		case "int":
			for _, row := range t.Rows {
				if v, ok := tabular.ToInt(row[col]); ok {
					row[col] = v
				} else {
					row[col] = nil
				}
			}
		case "float":
			for _, row := range t.Rows {
				if v, ok := tabular.ToFloat(row[col]); ok {
					row[col] = v
				} else {
					row[col] = nil
				}
			}
		case "datetime":
			for _, row := range t.Rows {
				if v, ok := tabular.ToTime(row[col]); ok {
					row[col] = v
				} else {
					row[col] = nil
				}
			}
		case "string":
			for _, row := range t.Rows {
				if s, ok := tabular.ToString(row[col]); ok {
					row[col] = s
				}
			}
		default:
			logging.WorkerDebug("unsupported conversion %q for column %s", kind, col)
		}
	}
	return t
}

// dedupeStep keeps the first row per key tuple. Keys must exist.
func dedupeStep(t *tabular.Table, step map[string]interface{}) (*tabular.Table, error) {
	keys := stringList(step["keys"])
	if len(keys) == 0 {
		return t, nil
	}
	for _, k := range keys {
		if !hasColumn(t, k) {
			return nil, fmt.Errorf("dedupe key %q is not a column", k)
		}
	}
	seen := make(map[string]bool, len(t.Rows))
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(cellKey(row[k]))
			b.WriteByte('\x1f')
		}
		sig := b.String()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		kept = append(kept, row)
	}
	if removed := len(t.Rows) - len(kept); removed > 0 {
		logging.Worker("dedupe removed %d duplicate rows", removed)
	}
	t.Rows = kept
	return t, nil
}

// fillnaStep replaces missing cells with per-column literals.
func fillnaStep(t *tabular.Table, step map[string]interface{}) *tabular.Table {
	fills := objectField(step, "fill_values")
	for col, val := range fills {
		if !hasColumn(t, col) {
			continue
		}
		cell := cellValue(val)
		for _, row := range t.Rows {
			if row[col] == nil {
				row[col] = cell
			}
		}
	}
	return t
}

// filterStep keeps rows for which the query expression is true. A query
// that fails to compile, errors on a row or yields a non-boolean fails
// the plan.
func (w *Worker) filterStep(t *tabular.Table, step map[string]interface{}) (*tabular.Table, error) {
	query, _ := step["query"].(string)
	if query == "" {
		return t, nil
	}
	prog, err := w.exprs.compile(query, t)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", query, err)
	}
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		v, err := prog.eval(row)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", query, err)
		}
		keep, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("filter %q did not yield a boolean", query)
		}
		if keep {
			kept = append(kept, row)
		}
	}
	t.Rows = kept
	return t, nil
}

// Aggregations the executor knows how to run. "mean" is accepted as an
// alias for avg since planners use both.
var aggFuncs = map[string]bool{
	"sum":   true,
	"avg":   true,
	"mean":  true,
	"min":   true,
	"max":   true,
	"count": true,
}

// aggregateStep groups rows by the key columns and folds each aggregated
// column with its named function. Output rows sort ascending by group
// key; aggregated columns follow the keys in name order.
func aggregateStep(t *tabular.Table, step map[string]interface{}) (*tabular.Table, error) {
	groupBy := stringList(step["group_by"])
	aggs := objectField(step, "aggregations")
	if len(groupBy) == 0 || len(aggs) == 0 {
		return t, nil
	}
	for _, k := range groupBy {
		if !hasColumn(t, k) {
			return nil, fmt.Errorf("group_by column %q is not a column", k)
		}
	}
	aggCols := make([]string, 0, len(aggs))
	for col := range aggs {
		aggCols = append(aggCols, col)
	}
	sort.Strings(aggCols)
	fns := make(map[string]string, len(aggCols))
	for _, col := range aggCols {
		if !hasColumn(t, col) {
			return nil, fmt.Errorf("aggregation column %q is not a column", col)
		}
		fn, _ := aggs[col].(string)
		fn = strings.ToLower(fn)
		if !aggFuncs[fn] {
			return nil, fmt.Errorf("unsupported aggregation %q for column %s", aggs[col], col)
		}
		fns[col] = fn
	}

	type group struct {
		keyCells []interface{}
		rows     []map[string]interface{}
	}
	groups := make(map[string]*group)
	var order []*group
	for _, row := range t.Rows {
		var b strings.Builder
		cells := make([]interface{}, len(groupBy))
		for i, k := range groupBy {
			cells[i] = row[k]
			b.WriteString(cellKey(row[k]))
			b.WriteByte('\x1f')
		}
		sig := b.String()
		g, ok := groups[sig]
		if !ok {
			g = &group{keyCells: cells}
			groups[sig] = g
			order = append(order, g)
		}
		g.rows = append(g.rows, row)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lessCellTuples(order[a].keyCells, order[b].keyCells)
	})

	out := &tabular.Table{Columns: append(append([]string{}, groupBy...), aggCols...)}
	for _, g := range order {
		row := make(map[string]interface{}, len(groupBy)+len(aggCols))
		for i, k := range groupBy {
			row[k] = g.keyCells[i]
		}
		for _, col := range aggCols {
			row[col] = aggregateCells(g.rows, col, fns[col])
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// aggregateCells folds one column of a group. Missing and non-numeric
// cells are skipped by the numeric folds; a fold over nothing is nil.
func aggregateCells(rows []map[string]interface{}, col, fn string) interface{} {
	switch fn {
	case "count":
		var n int64
		for _, row := range rows {
			if row[col] != nil {
				n++
			}
		}
		return n
	case "sum":
		var sum float64
		allInts := true
		saw := false
		for _, row := range rows {
			switch v := row[col].(type) {
			case int64:
				sum += float64(v)
				saw = true
			case float64:
				sum += v
				allInts = false
				saw = true
			}
		}
		if !saw {
			return nil
		}
		if allInts {
			return int64(sum)
		}
		return sum
	case "avg", "mean":
		var sum float64
		n := 0
		for _, row := range rows {
			if f, ok := numericCell(row[col]); ok {
				sum += f
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return sum / float64(n)
	case "min", "max":
		var best interface{}
		for _, row := range rows {
			v := row[col]
			if v == nil {
				continue
			}
			if best == nil ||
				(fn == "min" && lessCells(v, best)) ||
				(fn == "max" && lessCells(best, v)) {
				best = v
			}
		}
		return best
	}
	return nil
}

// deriveStep adds computed columns. A column whose expression fails to
// compile or errors on any row is skipped with a log line; the other
// columns still land. New columns append in name order.
func (w *Worker) deriveStep(t *tabular.Table, step map[string]interface{}) *tabular.Table {
	cols := objectField(step, "columns")
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		expr, ok := cols[name].(string)
		if !ok || expr == "" {
			logging.WorkerError("derived column %s has no expression", name)
			continue
		}
		prog, err := w.exprs.compile(expr, t)
		if err != nil {
			logging.WorkerError("failed to derive column %s: %v", name, err)
			continue
		}
		values := make([]interface{}, len(t.Rows))
		failed := false
		for i, row := range t.Rows {
			v, err := prog.eval(row)
			if err != nil {
				logging.WorkerError("failed to derive column %s: %v", name, err)
				failed = true
				break
			}
			values[i] = cellValue(v)
		}
		if failed {
			continue
		}
		if !hasColumn(t, name) {
			t.Columns = append(t.Columns, name)
		}
		for i, row := range t.Rows {
			row[name] = values[i]
		}
	}
	return t
}

func hasColumn(t *tabular.Table, name string) bool {
	for _, col := range t.Columns {
		if col == name {
			return true
		}
	}
	return false
}

func objectField(step map[string]interface{}, key string) map[string]interface{} {
	obj, _ := step[key].(map[string]interface{})
	return obj
}

func stringList(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// cellValue maps a plan literal or expression result onto cell types.
func cellValue(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case nil, bool, int64, float64, string, time.Time:
		return x
	case int:
		return int64(x)
	}
	return fmt.Sprintf("%v", v)
}

// cellKey renders a cell for use in composite dedupe and group keys. The
// type tag keeps int64(1) and "1" from colliding.
func cellKey(v interface{}) string {
	if v == nil {
		return "\x00"
	}
	return fmt.Sprintf("%T:%s", v, tabular.FormatCell(v))
}

// lessCells orders two cells: numerics numerically, timestamps by time,
// everything else by CSV form.
func lessCells(a, b interface{}) bool {
	af, aok := numericCell(a)
	bf, bok := numericCell(b)
	if aok && bok {
		return af < bf
	}
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Before(bt)
	}
	return tabular.FormatCell(a) < tabular.FormatCell(b)
}

func lessCellTuples(a, b []interface{}) bool {
	for i := range a {
		if i >= len(b) {
			return false
		}
		if lessCells(a[i], b[i]) {
			return true
		}
		if lessCells(b[i], a[i]) {
			return false
		}
	}
	return false
}

func numericCell(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
