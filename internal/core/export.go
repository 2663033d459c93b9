package core

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cellmonitor/pkg/domain"
)

// ExportFormat identifies a serialization of the cell collection.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// ExportFormats lists the supported formats.
func ExportFormats() []ExportFormat {
	return []ExportFormat{FormatJSON, FormatCSV}
}

// ParseExportFormat resolves a user supplied format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension of the format without the dot.
func (f ExportFormat) Extension() string { return string(f) }

// Render serializes snap in format f.
func (f ExportFormat) Render(snap Snapshot) ([]byte, error) {
	switch f {
	case FormatJSON:
		return ExportJSON(snap)
	case FormatCSV:
		return ExportCSV(snap)
	default:
		return nil, fmt.Errorf("unsupported export format %s", f)
	}
}

// ExportFileName names an export artifact the way the download buttons do.
func ExportFileName(f ExportFormat, at time.Time) string {
	return fmt.Sprintf("battery_cells_%s.%s", at.Format("20060102_150405"), f.Extension())
}

// cellRecord is the per-cell value of the JSON export. Field order is the
// serialized order.
type cellRecord struct {
	Chemistry      domain.Chemistry `json:"chemistry"`
	NominalVoltage float64          `json:"nominalVoltage"`
	Current        float64          `json:"current"`
	Temperature    float64          `json:"temperature"`
	Capacity       float64          `json:"capacity"`
	Status         domain.Status    `json:"status"`
	CreatedAt      string           `json:"createdAt"`
}

func recordFor(c Cell) cellRecord {
	return cellRecord{
		Chemistry:      c.Chemistry,
		NominalVoltage: c.NominalVoltage,
		Current:        c.Current,
		Temperature:    c.Temperature,
		Capacity:       c.Capacity,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt.Format(domain.CreatedAtLayout),
	}
}

// ExportJSON encodes snap as an indented object keyed by cell id. Keys keep
// snapshot order, which encoding/json would otherwise sort.
func ExportJSON(snap Snapshot) ([]byte, error) {
	if len(snap) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, c := range snap {
		key, err := json.Marshal(c.ID)
		if err != nil {
			return nil, fmt.Errorf("marshal id %s: %w", c.ID, err)
		}
		value, err := json.MarshalIndent(recordFor(c), "  ", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal cell %s: %w", c.ID, err)
		}
		buf.WriteString("  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(value)
		if i < len(snap)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeJSON parses the output of ExportJSON back into a snapshot, keeping
// the key order of the document.
func DecodeJSON(data []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode export: expected object, got %v", tok)
	}
	snap := Snapshot{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode export key: %w", err)
		}
		id, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("decode export: expected string key, got %v", tok)
		}
		var rec cellRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode cell %s: %w", id, err)
		}
		created, err := time.ParseInLocation(domain.CreatedAtLayout, rec.CreatedAt, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("decode cell %s createdAt: %w", id, err)
		}
		snap = append(snap, Cell{
			ID:             id,
			Chemistry:      rec.Chemistry,
			NominalVoltage: rec.NominalVoltage,
			Current:        rec.Current,
			Temperature:    rec.Temperature,
			Capacity:       rec.Capacity,
			Status:         rec.Status,
			CreatedAt:      created,
		})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return snap, nil
}

// CSVHeader is the header row of the delimited export.
var CSVHeader = []string{"CellID", "chemistry", "nominalVoltage", "current", "temperature", "capacity", "status", "createdAt"}

// ExportCSV encodes snap as comma separated rows with a header, quoting any
// value that contains the delimiter, a quote or a line break.
func ExportCSV(snap Snapshot) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(CSVHeader); err != nil {
		return nil, err
	}
	for _, c := range snap {
		record := []string{
			c.ID,
			string(c.Chemistry),
			formatFloat(c.NominalVoltage),
			formatFloat(c.Current),
			formatFloat(c.Temperature),
			formatFloat(c.Capacity),
			string(c.Status),
			c.CreatedAt.Format(domain.CreatedAtLayout),
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
