// Package vitals parses uploaded vitals tables into a clean, strictly increasing series.
package vitals

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fieldmed/triage/internal/clinical"
)

var timeColumns = []string{"timestamp", "time", "ds", "datetime", "date"}

// signalAliases are tried, in order, after the configured signal column.
var signalAliases = []string{"heart_rate", "hr", "bpm", "pulse", "y"}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ErrNoSignal is returned when the table has no usable numeric column.
var ErrNoSignal = errors.New("no numeric signal column")

// units by well-known channel name
var units = map[string]string{
	"heart_rate": "BPM",
	"hr":         "BPM",
	"bpm":        "BPM",
	"pulse":      "BPM",
	"spo2":       "%",
	"resp_rate":  "breaths/min",
	"temp":       "°C",

	"systolic_bp":  "mmHg",
	"diastolic_bp": "mmHg",
}

// Parse reads a CSV with a header row. The signal column is preferred over the
// aliases, then the first numeric column is used. Rows with a missing or non-finite
// value or an unparseable timestamp are dropped and counted. Duplicated timestamps keep
// the last row. Without a timestamp column an hourly axis starting at the Unix epoch
// is synthesised.
//
// Errors are returned only when nothing usable can be extracted; a short series is not
// an error.
func Parse(r io.Reader, preferred string) (clinical.VitalsSeries, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return clinical.VitalsSeries{}, fmt.Errorf("read vitals csv: %w", err)
	}
	if len(records) == 0 {
		return clinical.VitalsSeries{}, fmt.Errorf("vitals csv is empty")
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	rows := records[1:]

	timeCol := findColumn(header, timeColumns)
	signalCol := findColumn(header, append([]string{strings.ToLower(preferred)}, signalAliases...))
	if signalCol < 0 {
		signalCol = firstNumericColumn(header, rows, timeCol)
	}
	if signalCol < 0 {
		return clinical.VitalsSeries{}, ErrNoSignal
	}

	channel := header[signalCol]
	series := clinical.VitalsSeries{
		Channel:         channel,
		Unit:            units[channel],
		SynthesizedTime: timeCol < 0,
	}
	if series.SynthesizedTime {
		series.Warnings = append(series.Warnings, "no timestamp column, assuming hourly readings")
	}

	epoch := time.Unix(0, 0).UTC()
	readings := make([]clinical.Reading, 0, len(rows))
	for i, row := range rows {
		v, ok := parseValue(cell(row, signalCol))
		if !ok {
			series.Dropped++
			continue
		}

		var ts time.Time
		if series.SynthesizedTime {
			ts = epoch.Add(time.Duration(i) * time.Hour)
		} else {
			ts, ok = parseTime(cell(row, timeCol))
			if !ok {
				series.Dropped++
				continue
			}
		}
		readings = append(readings, clinical.Reading{Time: ts, Value: v})
	}

	finish(&series, readings)
	return series, nil
}

// finish sorts readings into a strictly increasing series. Duplicated timestamps keep
// the reading that came last in the input.
func finish(series *clinical.VitalsSeries, readings []clinical.Reading) {
	// Stable sort keeps input order among equal timestamps so the last one wins below
	slices.SortStableFunc(readings, func(a, b clinical.Reading) int {
		return a.Time.Compare(b.Time)
	})
	deduped := readings[:0]
	for _, r := range readings {
		if n := len(deduped); n > 0 && deduped[n-1].Time.Equal(r.Time) {
			deduped[n-1] = r
			series.Dropped++
			continue
		}
		deduped = append(deduped, r)
	}
	series.Readings = deduped

	if series.Dropped > 0 {
		series.Warnings = append(series.Warnings, fmt.Sprintf("dropped %d unusable rows", series.Dropped))
	}
}

func findColumn(header, names []string) int {
	for _, name := range names {
		if name == "" {
			continue
		}
		if i := slices.Index(header, name); i >= 0 {
			return i
		}
	}
	return -1
}

// firstNumericColumn returns the first column, other than skip, whose first non-empty
// cell parses as a number.
func firstNumericColumn(header []string, rows [][]string, skip int) int {
	for col := range header {
		if col == skip {
			continue
		}
		for _, row := range rows {
			c := cell(row, col)
			if c == "" {
				continue
			}
			if _, ok := parseValue(c); ok {
				return col
			}
			break
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseValue(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}
