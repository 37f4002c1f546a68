package nvd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the response body of the CVE 2.0 search endpoint. Each entry
// of Vulnerabilities is kept as raw JSON so the verbatim payload can be
// stored alongside the fields derived from it.
type Envelope struct {
	ResultsPerPage  int               `json:"resultsPerPage"`
	StartIndex      int               `json:"startIndex"`
	TotalResults    int               `json:"totalResults"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

// Item is one entry of the vulnerabilities array.
type Item struct {
	CVE CVE `json:"cve"`
}

type CVE struct {
	ID               string          `json:"id"`
	SourceIdentifier string          `json:"sourceIdentifier"`
	Published        string          `json:"published"`
	LastModified     string          `json:"lastModified"`
	Descriptions     []Description   `json:"descriptions"`
	Metrics          Metrics         `json:"metrics"`
	Configurations   []Configuration `json:"configurations"`
}

type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type Metrics struct {
	CVSSMetricV31 []CVSSMetric `json:"cvssMetricV31"`
	CVSSMetricV30 []CVSSMetric `json:"cvssMetricV30"`
	CVSSMetricV2  []CVSSMetric `json:"cvssMetricV2"`
}

type CVSSMetric struct {
	CVSSData CVSSData `json:"cvssData"`
	// v2 metrics carry the severity outside cvssData.
	BaseSeverity string `json:"baseSeverity"`
}

type CVSSData struct {
	BaseScore    *float64 `json:"baseScore"`
	BaseSeverity string   `json:"baseSeverity"`
}

type Configuration struct {
	Nodes []Node `json:"nodes"`
}

type Node struct {
	CPEMatch []CPEMatch `json:"cpeMatch"`
	Children []Node     `json:"children"`
}

type CPEMatch struct {
	Vulnerable bool   `json:"vulnerable"`
	Criteria   string `json:"criteria"`
}

// timeLayout is the timestamp format the API expects in query parameters
// and emits in payloads. Payloads may also carry a trailing Z.
const timeLayout = "2006-01-02T15:04:05.000"

// FormatTime renders a timestamp for a time-field query parameter.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime accepts the feed's timestamp format with or without a zone
// suffix and returns UTC.
func ParseTime(s string) (time.Time, error) {
	v := strings.TrimSuffix(s, "Z")
	if t, err := time.Parse(timeLayout, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse feed timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// RecordID extracts the record identifier from a raw item for logging.
// Best effort: returns empty on malformed input.
func RecordID(raw json.RawMessage) string {
	var probe struct {
		CVE struct {
			ID string `json:"id"`
		} `json:"cve"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.CVE.ID
}
