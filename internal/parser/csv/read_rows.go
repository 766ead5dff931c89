// Package csv reads delimited source files into record.Row batches aligned
// to a declared table.
//
// Header names arrive in mixed-case words ("OrderId", "Sub Category") and
// are normalized to lowercase_underscore before matching declared columns.
// Values are coerced to the declared column type; empty and NaN values
// become the explicit nil marker (SQL NULL). Natural-key fields keep their
// raw string form so numeric-looking ids never lose leading zeros.
package csv

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"ingest/internal/record"
	"ingest/internal/schema"
)

// Options controls parsing of one source file.
type Options struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune

	// Encoding names the source byte encoding. Empty or "utf-8" reads the
	// file as-is; "windows-1252" and "latin-1" decode through x/text.
	Encoding string
}

var camelBoundary = regexp.MustCompile(`([a-z])([A-Z])`)

// normalizeHeader converts a source header name to its canonical
// lowercase_underscore form.
func normalizeHeader(h string) string {
	h = strings.TrimSpace(h)
	h = camelBoundary.ReplaceAllString(h, "${1}_${2}")
	h = strings.ReplaceAll(h, " ", "_")
	return strings.ToLower(h)
}

func decoderFor(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "windows-1252":
		return charmap.Windows1252.NewDecoder(), nil
	case "latin-1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("csv: unsupported encoding %q", name)
	}
}

// ReadTableRows reads the whole file into rows aligned to t's declared
// columns. Declared columns missing from the header are simply absent from
// the resulting rows.
func ReadTableRows(path string, t schema.Table, opt Options) ([]record.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: open %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	dec, err := decoderFor(opt.Encoding)
	if err != nil {
		return nil, err
	}
	if dec != nil {
		src = transform.NewReader(f, dec)
	}

	comma := opt.Comma
	if comma == 0 {
		comma = ','
	}

	cr := csv.NewReader(src)
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	line := 1
	hdr, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csv: %s: read header: %w", path, err)
	}

	srcToIdx := make(map[string]int, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		srcToIdx[normalizeHeader(h)] = i
	}

	keyCols := make(map[string]bool, len(t.NaturalKey))
	for _, k := range t.NaturalKey {
		keyCols[k] = true
	}

	type bound struct {
		col schema.Column
		idx int
		key bool
	}
	bindings := make([]bound, 0, len(t.Columns))
	for _, c := range t.Columns {
		si, ok := srcToIdx[c.Name]
		if !ok {
			continue
		}
		bindings = append(bindings, bound{col: c, idx: si, key: keyCols[c.Name]})
	}

	var rows []record.Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv: %s: line %d: %w", path, line, err)
		}

		row := make(record.Row, len(bindings))
		for _, bnd := range bindings {
			if bnd.idx >= len(rec) {
				row[bnd.col.Name] = nil
				continue
			}
			raw := strings.TrimSpace(rec[bnd.idx])
			if raw == "" {
				row[bnd.col.Name] = nil
				continue
			}
			v, err := coerce(raw, bnd.col.Type, bnd.key)
			if err != nil {
				return nil, fmt.Errorf("csv: %s: line %d: field %s: %w", path, line, bnd.col.Name, err)
			}
			row[bnd.col.Name] = v
		}
		rows = append(rows, row)
	}
}

// coerce converts a raw CSV field into the declared column type. Natural-key
// fields stay strings regardless of their declared type; NaN floats coerce
// to the nil marker.
func coerce(raw string, typ schema.Type, isKey bool) (any, error) {
	if isKey {
		return raw, nil
	}

	switch typ {
	case schema.TypeString:
		return raw, nil

	case schema.TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			return n, nil
		}
		// Spreadsheet exports write integers as "3.0".
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return nil, fmt.Errorf("parse integer %q: %w", raw, err)
		}
		if math.IsNaN(f) {
			return nil, nil
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("parse integer %q: fractional value", raw)
		}
		return int64(f), nil

	case schema.TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse float %q: %w", raw, err)
		}
		if math.IsNaN(f) {
			return nil, nil
		}
		return f, nil

	case schema.TypeTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		return ts, nil

	default:
		return nil, fmt.Errorf("unsupported column type %q", typ)
	}
}

// parseTimestamp parses an ISO-8601 timestamp. A trailing "Z" is rewritten
// to the explicit "+00:00" offset before parsing; timestamps without any
// offset are taken as UTC.
func parseTimestamp(raw string) (time.Time, error) {
	s := raw
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", raw)
}
