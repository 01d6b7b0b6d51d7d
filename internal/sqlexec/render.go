package sqlexec

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

const decimalPlaces = 2

// RenderMarkdown renders a header row, a separator and one line per row.
func RenderMarkdown(columns []string, rows [][]string) string {
	var b strings.Builder
	writeRow(&b, columns)
	separator := make([]string, len(columns))
	for i := range separator {
		separator[i] = "---"
	}
	writeRow(&b, separator)
	for _, row := range rows {
		writeRow(&b, row)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, cell := range cells {
		b.WriteString(" ")
		b.WriteString(escapeCell(cell))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "|", `\|`)
	value = strings.ReplaceAll(value, "\r\n", " ")
	return strings.ReplaceAll(value, "\n", " ")
}

type float64er interface {
	Float64() float64
}

// FormatValue renders one scanned value. dbType is the upper-cased driver type name.
func FormatValue(value any, dbType string) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case float64:
		return formatFloat(typed)
	case float32:
		return formatFloat(float64(typed))
	case int64:
		return strconv.FormatInt(typed, 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int16:
		return strconv.FormatInt(int64(typed), 10)
	case int8:
		return strconv.FormatInt(int64(typed), 10)
	case int:
		return strconv.Itoa(typed)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case uint32:
		return strconv.FormatUint(uint64(typed), 10)
	case uint16:
		return strconv.FormatUint(uint64(typed), 10)
	case uint8:
		return strconv.FormatUint(uint64(typed), 10)
	case bool:
		return strconv.FormatBool(typed)
	case time.Time:
		if dbType == "DATE" {
			return typed.Format(time.DateOnly)
		}
		return typed.Format(time.RFC3339)
	case *big.Int:
		if typed == nil {
			return "NULL"
		}
		return typed.String()
	case []byte:
		return formatText(string(typed), dbType)
	case string:
		return formatText(typed, dbType)
	case duckdb.Decimal:
		return formatFloat(typed.Float64())
	case float64er:
		return formatFloat(typed.Float64())
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func formatText(value, dbType string) string {
	if isFixedPoint(dbType) || isFloating(dbType) {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return formatFloat(parsed)
		}
	}
	return value
}

func formatFloat(value float64) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	// Halves round away from zero.
	scale := math.Pow10(decimalPlaces)
	if scaled := value * scale; !math.IsInf(scaled, 0) {
		value = math.Round(scaled) / scale
	}
	rounded := strconv.FormatFloat(value, 'f', decimalPlaces, 64)
	if rounded == "-0.00" {
		return "0.00"
	}
	return rounded
}

func isFixedPoint(dbType string) bool {
	return strings.HasPrefix(dbType, "NUMERIC") || strings.HasPrefix(dbType, "DECIMAL")
}

func isFloating(dbType string) bool {
	switch dbType {
	case "FLOAT", "FLOAT4", "FLOAT8", "REAL", "DOUBLE", "DOUBLE PRECISION":
		return true
	default:
		return false
	}
}
