package synthesis

import (
	"bytes"
	"fmt"

	"github.com/fieldmed/triage/internal/clinical"
)

// parseReport extracts and validates a report from backend output. Structured output
// arrives as bare JSON; instructed or free-text output may wrap it in a code fence or
// surround it with prose.
func parseReport(content []byte) (clinical.ClinicalReport, error) {
	s := cleanJSON(content)
	if len(s) == 0 {
		return clinical.ClinicalReport{}, fmt.Errorf("empty narrative output")
	}
	if s[0] != '{' {
		obj, ok := extractObject(s)
		if !ok {
			return clinical.ClinicalReport{}, fmt.Errorf("no JSON object in narrative output")
		}
		s = obj
	}
	return clinical.ParseReport(s)
}

// cleanJSON strips markdown code fences from model output.
func cleanJSON(data []byte) []byte {
	s := bytes.TrimSpace(data)
	if len(s) == 0 {
		return s
	}

	if bytes.HasPrefix(s, []byte("```")) {
		// Strip opening fence line
		if idx := bytes.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		}
		// Strip closing fence
		if bytes.HasSuffix(s, []byte("```")) {
			s = s[:len(s)-3]
		}
		s = bytes.TrimSpace(s)
	}

	return s
}

// extractObject returns the first balanced {...} in s, honouring JSON strings.
func extractObject(s []byte) ([]byte, bool) {
	start := bytes.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return nil, false
}
