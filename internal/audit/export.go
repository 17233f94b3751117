package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ContentType returns the MIME type of the encoding.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

type exportDocument struct {
	ExportedAt time.Time `json:"exportedAt"`
	Count      int       `json:"count"`
	Entries    []Entry   `json:"entries"`
}

// Export serializes the entries matching filters, most recent first.
func (l *Log) Export(filters Filters, format Format) ([]byte, error) {
	entries := l.Query(filters)
	switch format {
	case FormatJSON, "":
		return json.Marshal(exportDocument{ExportedAt: l.now().UTC(), Count: len(entries), Entries: entries})
	case FormatCSV:
		return writeCSV(entries)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func writeCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	header := []string{"timestamp", "principal_id", "role", "action", "resource", "decision", "reason", "client_address"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, e := range entries {
		var principal, role string
		if e.PrincipalID != nil {
			principal = strconv.FormatInt(*e.PrincipalID, 10)
		}
		if e.Role != nil {
			role = string(*e.Role)
		}
		record := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			principal,
			role,
			e.Action,
			e.Resource,
			string(e.Decision),
			e.Reason,
			e.ClientAddress,
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
