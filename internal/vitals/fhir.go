package vitals

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/fieldmed/triage/internal/clinical"
)

const loincSystem = "http://loinc.org"

// loincChannels maps LOINC vital-sign codes to channel names.
var loincChannels = map[string]string{
	"8867-4":  "heart_rate",
	"59408-5": "spo2",
	"2708-6":  "spo2",
	"9279-1":  "resp_rate",
	"8310-5":  "temp",
	"8480-6":  "systolic_bp",
	"8462-4":  "diastolic_bp",
}

// Bundle represents a FHIR R4 Bundle resource (simplified)
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"` // collection, searchset, ...
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a bundle
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Observation represents a FHIR R4 Observation resource (simplified)
type Observation struct {
	ResourceType      string                 `json:"resourceType"`
	ID                string                 `json:"id,omitempty"`
	Status            string                 `json:"status"` // registered, preliminary, final, amended, entered-in-error, ...
	Code              CodeableConcept        `json:"code"`
	EffectiveDateTime string                 `json:"effectiveDateTime,omitempty"`
	EffectiveInstant  string                 `json:"effectiveInstant,omitempty"`
	ValueQuantity     *Quantity              `json:"valueQuantity,omitempty"`
	Component         []ObservationComponent `json:"component,omitempty"`
}

// ObservationComponent carries one value of a panel such as blood pressure
type ObservationComponent struct {
	Code          CodeableConcept `json:"code"`
	ValueQuantity *Quantity       `json:"valueQuantity,omitempty"`
}

// CodeableConcept represents a FHIR CodeableConcept
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a FHIR Coding
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Quantity represents a FHIR Quantity
type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// channel returns the vital-sign channel named by the concept's LOINC coding.
func (c CodeableConcept) channel() string {
	for _, coding := range c.Coding {
		if coding.System != "" && coding.System != loincSystem {
			continue
		}
		if ch, ok := loincChannels[coding.Code]; ok {
			return ch
		}
	}
	return ""
}

// Decode parses vitals in either supported format: a FHIR Bundle or Observation
// (JSON) or a CSV table.
func Decode(data []byte, preferred string) (clinical.VitalsSeries, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseFHIR(bytes.NewReader(trimmed), preferred)
	}
	return Parse(bytes.NewReader(data), preferred)
}

type fhirPoint struct {
	channel string
	unit    string
	time    time.Time
	value   float64
	ok      bool
}

// ParseFHIR reads a Bundle of Observations, or a single Observation, and extracts
// one channel. The preferred channel is used when present, then heart_rate, then the
// first channel encountered. Observations entered in error or without a usable value
// or effective time are dropped and counted like unusable CSV rows.
func ParseFHIR(r io.Reader, preferred string) (clinical.VitalsSeries, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return clinical.VitalsSeries{}, fmt.Errorf("read vitals fhir: %w", err)
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return clinical.VitalsSeries{}, fmt.Errorf("decode vitals fhir: %w", err)
	}

	var resources []json.RawMessage
	switch head.ResourceType {
	case "Bundle":
		var b Bundle
		if err := json.Unmarshal(raw, &b); err != nil {
			return clinical.VitalsSeries{}, fmt.Errorf("decode fhir bundle: %w", err)
		}
		for _, e := range b.Entry {
			resources = append(resources, e.Resource)
		}
	case "Observation":
		resources = append(resources, raw)
	default:
		return clinical.VitalsSeries{}, fmt.Errorf("unsupported fhir resource %q", head.ResourceType)
	}

	var points []fhirPoint
	skipped := 0
	for _, res := range resources {
		var obs Observation
		if err := json.Unmarshal(res, &obs); err != nil {
			skipped++
			continue
		}
		if obs.ResourceType != "Observation" {
			continue
		}
		points = append(points, observationPoints(obs)...)
	}

	channel := pickChannel(points, strings.ToLower(preferred))
	if channel == "" {
		return clinical.VitalsSeries{}, ErrNoSignal
	}

	series := clinical.VitalsSeries{Channel: channel, Unit: units[channel], Dropped: skipped}
	readings := make([]clinical.Reading, 0, len(points))
	for _, p := range points {
		if p.channel != channel {
			continue
		}
		if !p.ok {
			series.Dropped++
			continue
		}
		if p.unit != "" {
			series.Unit = p.unit
		}
		readings = append(readings, clinical.Reading{Time: p.time, Value: p.value})
	}

	finish(&series, readings)
	return series, nil
}

// observationPoints flattens an observation and its components into points.
func observationPoints(obs Observation) []fhirPoint {
	ts, timeOK := parseTime(firstNonEmpty(obs.EffectiveDateTime, obs.EffectiveInstant))
	usable := timeOK && obs.Status != "entered-in-error" && obs.Status != "cancelled"

	point := func(code CodeableConcept, q *Quantity) (fhirPoint, bool) {
		ch := code.channel()
		if ch == "" {
			return fhirPoint{}, false
		}
		p := fhirPoint{channel: ch, time: ts, ok: usable}
		if q == nil || q.Value == nil || math.IsNaN(*q.Value) || math.IsInf(*q.Value, 0) {
			p.ok = false
			return p, true
		}
		p.value = *q.Value
		p.unit = quantityUnit(ch, q)
		return p, true
	}

	var out []fhirPoint
	if p, ok := point(obs.Code, obs.ValueQuantity); ok {
		out = append(out, p)
	}
	for _, c := range obs.Component {
		if p, ok := point(c.Code, c.ValueQuantity); ok {
			out = append(out, p)
		}
	}
	return out
}

func pickChannel(points []fhirPoint, preferred string) string {
	seen := make(map[string]bool)
	first := ""
	for _, p := range points {
		if first == "" {
			first = p.channel
		}
		seen[p.channel] = true
	}
	switch {
	case preferred != "" && seen[preferred]:
		return preferred
	case seen["heart_rate"]:
		return "heart_rate"
	default:
		return first
	}
}

// quantityUnit prefers the human unit; UCUM "/min" on a pulse reads as BPM.
func quantityUnit(channel string, q *Quantity) string {
	switch {
	case q.Unit == "beats/minute", channel == "heart_rate" && (q.Unit == "/min" || q.Unit == "" && q.Code == "/min"):
		return "BPM"
	case q.Unit != "":
		return q.Unit
	default:
		return q.Code
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
