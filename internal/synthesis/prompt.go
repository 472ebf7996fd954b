package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

const systemPrompt = `You are a specialized military medical AI assistant supporting field medics ` +
	`with traumatic brain injury (TBI) triage. Analyze the provided TBI data and produce a structured ` +
	`clinical report. Use the risk level, anomaly volume and forecast values exactly as given. ` +
	`Keep the justification to one or two sentences mentioning the anomaly volume and the vitals trend. ` +
	`The field recommendation must be urgent and practical. The monitoring note covers the next four hours.`

const formatInstructions = "Respond with a single JSON object and nothing else. " +
	"The object must conform to this JSON Schema:\n"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildMessages renders the chat for one request. In json and text modes the schema
// travels in the system prompt; in json_schema mode the endpoint enforces it.
func buildMessages(req Request, mode string, schema *jsonschema.Schema) ([]chatMessage, error) {
	system := systemPrompt
	if mode != modeJSONSchema {
		raw, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode schema: %w", err)
		}
		system += "\n\n" + formatInstructions + string(raw)
	}

	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: userPrompt(req)},
	}, nil
}

func userPrompt(req Request) string {
	a, f := req.Anomaly, req.Forecast

	var b strings.Builder
	b.WriteString("Analyze the following TBI data and provide a detailed report:\n")
	fmt.Fprintf(&b, "Brain anomaly volume: %.2f%% (detected: %t)\n", a.VolumePercent, a.Detected)
	if a.Detail != nil && a.Detail.Description != "" {
		fmt.Fprintf(&b, "Scan finding: %s\n", a.Detail.Description)
	}
	if a.Degraded {
		b.WriteString("Note: the scan could not be analysed; the anomaly volume is a neutral default.\n")
	}
	fmt.Fprintf(&b, "Risk level: %s\n", f.RiskLevel)
	fmt.Fprintf(&b, "Forecast: %s\n", f.TrendSummary)
	fmt.Fprintf(&b, "Forecast volatility: %.2f\n", f.Volatility)
	fmt.Fprintf(&b, "Forecast horizon: %d hours\n", f.HorizonHours)
	if f.Degraded {
		fmt.Fprintf(&b, "Note: forecast method was %s.\n", f.Method)
	}
	return b.String()
}
