package types

import (
	"encoding/json"
	"time"
)

// Record is one vulnerability as stored locally: the verbatim feed payload
// plus the columns derived from it.
type Record struct {
	ID                    string          `json:"id"`
	Published             time.Time       `json:"published"`
	LastModified          time.Time       `json:"last_modified"`
	CVSSScore             *float64        `json:"cvss_score"`
	CVSSVersion           string          `json:"cvss_version"`
	Severity              string          `json:"severity"`
	ImpactType            string          `json:"impact_type"`
	ClassificationVersion string          `json:"classification_version"`
	SourceIdentifier      string          `json:"source_identifier"`
	Raw                   json.RawMessage `json:"raw"`
}

// ProductIdentifier is one normalized CPE row owned by a Record. The pair
// (record id, Criteria) is the natural key.
type ProductIdentifier struct {
	Part       string `json:"part"`
	Vendor     string `json:"vendor"`
	Product    string `json:"product"`
	Version    string `json:"version"`
	Criteria   string `json:"criteria"`
	Vulnerable bool   `json:"vulnerable"`
}

// Window is a bounded interval on the upstream time axis.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Counts aggregates record outcomes across one run.
type Counts struct {
	Requested int `json:"requested"`
	Upserted  int `json:"upserted"`
	Failed    int `json:"failed"`
}

// Job log status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)
