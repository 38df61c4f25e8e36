// Package problem models the RFC 7807 problem-details documents the
// device reports for failed operations, extended with the device's
// diagnosis fields. A *Problem is the uniform failure representation
// surfaced by every layer above the transport.
package problem

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DefaultType is the problem type used when the document carries none.
const DefaultType = "about:blank"

// Problem is a structured device-reported failure. It implements error.
type Problem struct {
	Type                  string `json:"type,omitempty"`
	Title                 string `json:"title,omitempty"`
	Status                int    `json:"status,omitempty"`
	Detail                string `json:"detail,omitempty"`
	Instance              string `json:"instance,omitempty"`
	MainDiagnosisCode     string `json:"mainDiagnosisCode,omitempty"`
	DetailedDiagnosisCode string `json:"detailedDiagnosisCode,omitempty"`
	DynamicDescription    string `json:"dynamicDescription,omitempty"`
	Severity              string `json:"severity,omitempty"`
}

// FromStatus builds a minimal Problem from a bare HTTP status code.
func FromStatus(status int) *Problem {
	return &Problem{
		Type:   DefaultType,
		Title:  http.StatusText(status),
		Status: status,
	}
}

// FromResponse parses body as a problem document. On parse failure, or if
// the document carries no usable fields, it falls back to a minimal
// Problem built from the status line.
func FromResponse(status int, statusText string, body []byte) *Problem {
	p := &Problem{}
	if len(body) > 0 && json.Unmarshal(body, p) == nil && (p.Title != "" || p.Detail != "" || p.Status != 0) {
		if p.Type == "" {
			p.Type = DefaultType
		}
		if p.Status == 0 {
			p.Status = status
		}
		if p.Title == "" {
			p.Title = statusText
		}
		return p
	}
	fb := FromStatus(status)
	if statusText != "" {
		fb.Title = statusText
	}
	return fb
}

func (p *Problem) Error() string {
	if p.Title != "" {
		return fmt.Sprintf("%s (status %d)", p.Title, p.Status)
	}
	return fmt.Sprintf("problem (status %d)", p.Status)
}

// StringExtended renders a multi-line human-readable form. Empty fields
// are omitted, as is Type when it equals the "about:blank" default.
func (p *Problem) StringExtended() string {
	var b strings.Builder
	add := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	add("Title", p.Title)
	if p.Type != "" && p.Type != DefaultType {
		add("Type", p.Type)
	}
	if p.Status != 0 {
		add("Status", fmt.Sprintf("%d", p.Status))
	}
	add("Detail", p.Detail)
	add("Instance", p.Instance)
	add("Main Diagnosis Code", p.MainDiagnosisCode)
	add("Detailed Diagnosis Code", p.DetailedDiagnosisCode)
	add("Dynamic Description", p.DynamicDescription)
	add("Severity", p.Severity)
	return strings.TrimRight(b.String(), "\n")
}
