package transform

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/vulnwatch/cvesync/internal/classify"
)

const sampleItem = `{
	"cve": {
		"id": "CVE-2023-1111",
		"sourceIdentifier": "secalert@example.org",
		"published": "2023-04-01T10:00:00.000",
		"lastModified": "2023-05-02T08:30:00.000",
		"descriptions": [
			{"lang": "es", "value": "Ejecución remota de código."},
			{"lang": "en", "value": "A crafted request allows remote code execution."}
		],
		"metrics": {
			"cvssMetricV2": [{"cvssData": {"baseScore": 6.8}, "baseSeverity": "MEDIUM"}],
			"cvssMetricV31": [{"cvssData": {"baseScore": 9.8, "baseSeverity": "CRITICAL"}}]
		},
		"configurations": [{
			"nodes": [{
				"cpeMatch": [
					{"vulnerable": true, "criteria": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"},
					{"vulnerable": false, "criteria": "cpe:2.3:o:acme:firmware:-:*:*:*:*:*:*:*"}
				],
				"children": [{
					"cpeMatch": [
						{"vulnerable": false, "criteria": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"},
						{"vulnerable": true, "criteria": "cpe:2.3:a:acme:http\\:server:2.1:*:*:*:*:*:*:*"},
						{"vulnerable": true, "criteria": "not-a-cpe"}
					]
				}]
			}]
		}]
	}
}`

func TestApply_DerivedFields(t *testing.T) {
	tf := New(classify.Current())
	res, err := tf.Apply(json.RawMessage(sampleItem))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	rec := res.Record

	if rec.ID != "CVE-2023-1111" {
		t.Errorf("id = %q", rec.ID)
	}
	if rec.SourceIdentifier != "secalert@example.org" {
		t.Errorf("source = %q", rec.SourceIdentifier)
	}
	if want := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC); !rec.Published.Equal(want) {
		t.Errorf("published = %v, want %v", rec.Published, want)
	}
	if want := time.Date(2023, 5, 2, 8, 30, 0, 0, time.UTC); !rec.LastModified.Equal(want) {
		t.Errorf("lastModified = %v, want %v", rec.LastModified, want)
	}
	// v3.1 is present, so v2 must be ignored.
	if rec.CVSSScore == nil || *rec.CVSSScore != 9.8 {
		t.Errorf("score = %v, want 9.8", rec.CVSSScore)
	}
	if rec.CVSSVersion != "3.1" || rec.Severity != "CRITICAL" {
		t.Errorf("version/severity = %q/%q", rec.CVSSVersion, rec.Severity)
	}
	if rec.ImpactType != "Remote Code Execution" {
		t.Errorf("impact = %q", rec.ImpactType)
	}
	if rec.ClassificationVersion != classify.Current().Version() {
		t.Errorf("classification version = %q", rec.ClassificationVersion)
	}
	if string(rec.Raw) != sampleItem {
		t.Error("raw payload was not preserved verbatim")
	}
}

func TestApply_Identifiers(t *testing.T) {
	tf := New(classify.Current())
	res, err := tf.Apply(json.RawMessage(sampleItem))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ids := res.Identifiers
	if len(ids) != 3 {
		t.Fatalf("expected 3 identifiers (dupe collapsed, junk dropped), got %d: %+v", len(ids), ids)
	}
	// Sorted by criteria.
	for i := 1; i < len(ids); i++ {
		if ids[i-1].Criteria >= ids[i].Criteria {
			t.Errorf("identifiers not sorted: %q before %q", ids[i-1].Criteria, ids[i].Criteria)
		}
	}
	byCriteria := map[string]int{}
	for i, pi := range ids {
		byCriteria[pi.Criteria] = i
	}

	// Duplicate criteria seen vulnerable anywhere stays vulnerable.
	widget := ids[byCriteria["cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"]]
	if !widget.Vulnerable {
		t.Error("duplicate criteria lost its vulnerable flag")
	}
	if widget.Part != "a" || widget.Vendor != "acme" || widget.Product != "widget" || widget.Version != "1.0" {
		t.Errorf("widget parsed wrong: %+v", widget)
	}

	// Escaped colon belongs to the product field.
	server := ids[byCriteria[`cpe:2.3:a:acme:http\:server:2.1:*:*:*:*:*:*:*`]]
	if server.Product != "http:server" || server.Version != "2.1" {
		t.Errorf("escaped criteria parsed wrong: %+v", server)
	}

	firmware := ids[byCriteria["cpe:2.3:o:acme:firmware:-:*:*:*:*:*:*:*"]]
	if firmware.Vulnerable {
		t.Error("not-vulnerable row flagged vulnerable")
	}
	if firmware.Part != "o" {
		t.Errorf("firmware part = %q", firmware.Part)
	}
}

func TestApply_VendorProductLowercased(t *testing.T) {
	tf := New(classify.Current())
	raw := `{"cve":{"id":"CVE-2023-2222","published":"2023-01-01T00:00:00.000","lastModified":"2023-01-01T00:00:00.000",
		"configurations":[{"nodes":[{"cpeMatch":[{"vulnerable":true,"criteria":"cpe:2.3:a:Acme:WiDgEt:1.0:*:*:*:*:*:*:*"}]}]}]}}`
	res, err := tf.Apply(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Identifiers[0].Vendor != "acme" || res.Identifiers[0].Product != "widget" {
		t.Errorf("vendor/product not lowercased: %+v", res.Identifiers[0])
	}
}

func TestApply_UnscoredFallback(t *testing.T) {
	tf := New(classify.Current())
	raw := `{"cve":{"id":"CVE-2023-3333","published":"2023-01-01T00:00:00.000","lastModified":"2023-01-02T00:00:00.000"}}`
	res, err := tf.Apply(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	rec := res.Record
	if rec.CVSSScore != nil || rec.CVSSVersion != "" || rec.Severity != "" {
		t.Errorf("expected unscored record, got %v/%q/%q", rec.CVSSScore, rec.CVSSVersion, rec.Severity)
	}
	if rec.ImpactType != "Other" {
		t.Errorf("impact = %q", rec.ImpactType)
	}
	if len(res.Identifiers) != 0 {
		t.Errorf("expected no identifiers, got %d", len(res.Identifiers))
	}
}

func TestApply_V2SeverityOutsideCVSSData(t *testing.T) {
	tf := New(classify.Current())
	raw := `{"cve":{"id":"CVE-2010-0001","published":"2010-01-01T00:00:00.000","lastModified":"2010-01-02T00:00:00.000",
		"metrics":{"cvssMetricV2":[{"cvssData":{"baseScore":5.0},"baseSeverity":"MEDIUM"}]}}}`
	res, err := tf.Apply(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Record.CVSSVersion != "2.0" || res.Record.Severity != "MEDIUM" {
		t.Errorf("v2 severity not picked up: %q/%q", res.Record.CVSSVersion, res.Record.Severity)
	}
}

func TestApply_Deterministic(t *testing.T) {
	tf := New(classify.Current())
	first, err := tf.Apply(json.RawMessage(sampleItem))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := tf.Apply(json.RawMessage(sampleItem))
		if err != nil {
			t.Fatalf("Apply (run %d): %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("derivation not deterministic on run %d", i)
		}
	}
}

func TestApply_MalformedRecords(t *testing.T) {
	tf := New(classify.Current())
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{"cve": `},
		{"missing id", `{"cve":{"published":"2023-01-01T00:00:00.000","lastModified":"2023-01-01T00:00:00.000"}}`},
		{"bad published", `{"cve":{"id":"CVE-2023-4444","published":"yesterday","lastModified":"2023-01-01T00:00:00.000"}}`},
		{"bad lastModified", `{"cve":{"id":"CVE-2023-5555","published":"2023-01-01T00:00:00.000","lastModified":""}}`},
	}
	for _, tc := range cases {
		if _, err := tf.Apply(json.RawMessage(tc.raw)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestSplitCPE23(t *testing.T) {
	fields := splitCPE23(`cpe:2.3:a:vendor\:inc:prod\\uct:1.0`)
	want := []string{"cpe", "2.3", "a", "vendor:inc", `prod\uct`, "1.0"}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("splitCPE23 = %q, want %q", fields, want)
	}
}
