// Package mapper turns query result rows into labeled gauge samples. It
// resolves positional column references, sanitizes label values and pads
// every sample to the full connection label-key set so all series under one
// metric name share identical keys.
package mapper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/joao-brasil/dbprom/internal/config"
)

// Sentinel replaces label values that cannot be computed: missing columns,
// short rows, empty or unconvertible values.
const Sentinel = "-"

// MaxLabelLength bounds sanitized label values.
const MaxLabelLength = 100

// LabelValue is a closed variant: either a literal string or a 0-based
// column reference, decided once at configuration-load time.
type LabelValue struct {
	Literal string
	Column  int
	IsRef   bool
}

// GaugeSpec is a gauge definition with its label values parsed.
type GaugeSpec struct {
	Name   string
	Desc   string
	Col    int // 1-based value column from config; 0 means use the ordinal
	Labels map[string]LabelValue
}

// Sample is one metric update: a value plus its complete label set.
type Sample struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// NewGaugeSpec parses a gauge configuration, resolving "$N" label values
// into column references.
func NewGaugeSpec(g config.GaugeConfig) GaugeSpec {
	spec := GaugeSpec{
		Name:   g.Name,
		Desc:   g.Desc,
		Col:    g.Col,
		Labels: make(map[string]LabelValue, len(g.ExtraLabels)),
	}
	for k, v := range g.ExtraLabels {
		if n, ok := config.ColumnRef(v); ok {
			spec.Labels[k] = LabelValue{Column: n - 1, IsRef: true}
		} else {
			spec.Labels[k] = LabelValue{Literal: v}
		}
	}
	return spec
}

// fanOut reports whether any label value references a result column, which
// switches the gauge from fixed mode (one sample from the first row) to
// fan-out mode (one sample per row).
func (s *GaugeSpec) fanOut() bool {
	for _, v := range s.Labels {
		if v.IsRef {
			return true
		}
	}
	return false
}

// valueColumn returns the 0-based result column holding the gauge value.
// An explicit col in the configuration is 1-based; without one the gauge's
// ordinal position within its query's gauge list is used.
func (s *GaugeSpec) valueColumn(ordinal int) int {
	if s.Col > 0 {
		return s.Col - 1
	}
	return ordinal
}

// LabelKeys returns the sorted set of label keys a gauge's series will
// carry: its own labels plus the connection-level union.
func (s *GaugeSpec) LabelKeys(connKeys []string) []string {
	seen := make(map[string]struct{}, len(s.Labels)+len(connKeys))
	for k := range s.Labels {
		seen[k] = struct{}{}
	}
	for _, k := range connKeys {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mapper maps result rows to samples. Malformed rows never abort a mapping
// pass; they produce sentinel labels or skipped samples plus a warning.
type Mapper struct {
	log logrus.FieldLogger
}

// New returns a Mapper logging warnings to the given sink.
func New(log logrus.FieldLogger) *Mapper {
	return &Mapper{log: log}
}

// Map produces the samples for one gauge from one query execution. ordinal
// is the gauge's position within its query's gauge list. connLabels are the
// static connection-level labels, already padded to the full key union;
// they are merged last and win on collisions.
func (m *Mapper) Map(spec GaugeSpec, ordinal int, rows [][]any, connLabels map[string]string) []Sample {
	if spec.fanOut() {
		return m.mapFanOut(spec, ordinal, rows, connLabels)
	}
	return m.mapFixed(spec, ordinal, rows, connLabels)
}

// mapFixed emits at most one sample, taken from the first row.
func (m *Mapper) mapFixed(spec GaugeSpec, ordinal int, rows [][]any, connLabels map[string]string) []Sample {
	if len(rows) == 0 {
		return nil
	}
	row := rows[0]
	col := spec.valueColumn(ordinal)
	value, ok := m.rowValue(spec.Name, row, col)
	if !ok {
		return nil
	}

	labels := make(map[string]string, len(spec.Labels)+len(connLabels))
	for k, v := range spec.Labels {
		labels[k] = v.Literal
	}
	for k, v := range connLabels {
		labels[k] = v
	}
	return []Sample{{Name: spec.Name, Value: value, Labels: labels}}
}

// mapFanOut emits one sample per row, resolving column references against
// each row. Missing columns yield the sentinel, never an error.
func (m *Mapper) mapFanOut(spec GaugeSpec, ordinal int, rows [][]any, connLabels map[string]string) []Sample {
	col := spec.valueColumn(ordinal)
	samples := make([]Sample, 0, len(rows))

	for _, row := range rows {
		value, ok := m.rowValue(spec.Name, row, col)
		if !ok {
			continue
		}

		labels := make(map[string]string, len(spec.Labels)+len(connLabels))
		for k, v := range spec.Labels {
			if !v.IsRef {
				labels[k] = v.Literal
				continue
			}
			if v.Column < 0 || v.Column >= len(row) {
				labels[k] = Sentinel
				continue
			}
			labels[k] = Sanitize(row[v.Column])
		}
		for k, v := range connLabels {
			labels[k] = v
		}
		samples = append(samples, Sample{Name: spec.Name, Value: value, Labels: labels})
	}
	return samples
}

// rowValue extracts the gauge value from a row. A short row or a value that
// cannot be read as a number skips the sample with a warning.
func (m *Mapper) rowValue(gauge string, row []any, col int) (float64, bool) {
	if col < 0 || col >= len(row) {
		m.log.WithFields(logrus.Fields{"gauge": gauge, "col": col + 1, "row_len": len(row)}).
			Warn("row too short for value column, sample skipped")
		return 0, false
	}
	value, ok := ToFloat(row[col])
	if !ok {
		m.log.WithFields(logrus.Fields{"gauge": gauge, "col": col + 1}).
			Warnf("value %v is not numeric, sample skipped", row[col])
		return 0, false
	}
	return value, true
}

// LabelKeyUnion returns the sorted union of static label keys across all
// configured connections: dbhost, dbport, dbname plus every extra-label key.
func LabelKeyUnion(conns []config.ConnectionConfig) []string {
	seen := map[string]struct{}{
		"dbhost": {},
		"dbport": {},
		"dbname": {},
	}
	for _, c := range conns {
		for k := range c.ExtraLabels {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StaticLabels builds the connection-level label set for one connection,
// defaulting every key in the union the connection does not define to the
// sentinel. This keeps the label-key set identical across connections.
func StaticLabels(conn *config.ConnectionConfig, union []string) map[string]string {
	labels := make(map[string]string, len(union))
	for _, k := range union {
		labels[k] = Sentinel
	}
	labels["dbhost"] = conn.DBHost
	labels["dbport"] = strconv.Itoa(conn.DBPort)
	labels["dbname"] = conn.DBName
	for k, v := range conn.ExtraLabels {
		labels[k] = v
	}
	return labels
}

// Sanitize converts a raw column value into a safe label value: keep
// alphanumerics and underscores, replace everything else with '_', truncate
// to MaxLabelLength. Nil or empty values become the sentinel.
func Sanitize(v any) string {
	if v == nil {
		return Sentinel
	}
	s := stringify(v)
	if s == "" {
		return Sentinel
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= MaxLabelLength {
			break
		}
	}
	out := b.String()
	if len(out) > MaxLabelLength {
		out = out[:MaxLabelLength]
	}
	if out == "" {
		return Sentinel
	}
	return out
}

// ToFloat coerces a column value to float64. Drivers return numerics as
// various widths, []byte or string depending on the backend.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(strings.TrimSpace(x.String()), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringify renders a column value for use as a label.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
