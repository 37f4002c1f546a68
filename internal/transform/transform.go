// Package transform maps one raw feed record to its canonical stored form:
// the derived record columns plus the normalized product-identifier rows.
// Transformation is pure; identical input always yields identical output,
// which is what makes offline re-derivation from stored payloads safe.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vulnwatch/cvesync/internal/classify"
	"github.com/vulnwatch/cvesync/internal/nvd"
	"github.com/vulnwatch/cvesync/internal/types"
)

// Result is the stored form of one feed record.
type Result struct {
	Record      types.Record
	Identifiers []types.ProductIdentifier
}

type cpeParts struct {
	part, vendor, product, version string
	ok                             bool
}

type Transformer struct {
	rules *classify.RuleSet
	// Criteria strings repeat heavily across records; memoizing the parse
	// keeps the walk over configuration nodes cheap. Memoization of a pure
	// function, so determinism is unaffected.
	cpe *lru.Cache[string, cpeParts]
}

func New(rules *classify.RuleSet) *Transformer {
	cache, _ := lru.New[string, cpeParts](65536)
	return &Transformer{rules: rules, cpe: cache}
}

// Apply transforms one raw feed item. Errors mark a single malformed
// record; they never abort the surrounding batch.
func (t *Transformer) Apply(raw json.RawMessage) (*Result, error) {
	var item nvd.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	cve := item.CVE
	if cve.ID == "" {
		return nil, errors.New("record has no id")
	}
	published, err := nvd.ParseTime(cve.Published)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", cve.ID, err)
	}
	lastModified, err := nvd.ParseTime(cve.LastModified)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", cve.ID, err)
	}

	score, version, severity := selectCVSS(cve.Metrics)
	rec := types.Record{
		ID:                    cve.ID,
		Published:             published,
		LastModified:          lastModified,
		CVSSScore:             score,
		CVSSVersion:           version,
		Severity:              severity,
		ImpactType:            t.rules.Classify(EnglishDescription(cve.Descriptions)),
		ClassificationVersion: t.rules.Version(),
		SourceIdentifier:      cve.SourceIdentifier,
		Raw:                   raw,
	}
	return &Result{Record: rec, Identifiers: t.identifiers(cve.Configurations)}, nil
}

// selectCVSS prefers the highest scoring-system version present.
func selectCVSS(m nvd.Metrics) (*float64, string, string) {
	for _, cand := range []struct {
		items   []nvd.CVSSMetric
		version string
	}{
		{m.CVSSMetricV31, "3.1"},
		{m.CVSSMetricV30, "3.0"},
		{m.CVSSMetricV2, "2.0"},
	} {
		if len(cand.items) == 0 {
			continue
		}
		metric := cand.items[0]
		severity := metric.CVSSData.BaseSeverity
		if severity == "" {
			severity = metric.BaseSeverity
		}
		return metric.CVSSData.BaseScore, cand.version, severity
	}
	return nil, "", ""
}

// EnglishDescription picks the English description text, empty if absent.
func EnglishDescription(descs []nvd.Description) string {
	for _, d := range descs {
		if d.Lang == "en" {
			return d.Value
		}
	}
	return ""
}

// identifiers walks the configuration nodes and collapses matches on the
// criteria string. A criteria seen both vulnerable and not keeps true.
// Output is sorted by criteria so repeated derivation is byte-identical.
func (t *Transformer) identifiers(configs []nvd.Configuration) []types.ProductIdentifier {
	byCriteria := make(map[string]types.ProductIdentifier)
	for _, cfg := range configs {
		for i := range cfg.Nodes {
			t.walkNode(&cfg.Nodes[i], byCriteria)
		}
	}
	if len(byCriteria) == 0 {
		return nil
	}
	out := make([]types.ProductIdentifier, 0, len(byCriteria))
	for _, pi := range byCriteria {
		out = append(out, pi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Criteria < out[j].Criteria })
	return out
}

func (t *Transformer) walkNode(node *nvd.Node, byCriteria map[string]types.ProductIdentifier) {
	for _, match := range node.CPEMatch {
		criteria := strings.TrimSpace(match.Criteria)
		parts, ok := t.parseCriteria(criteria)
		if !ok {
			continue
		}
		if existing, seen := byCriteria[criteria]; seen {
			existing.Vulnerable = existing.Vulnerable || match.Vulnerable
			byCriteria[criteria] = existing
			continue
		}
		byCriteria[criteria] = types.ProductIdentifier{
			Part:       parts.part,
			Vendor:     parts.vendor,
			Product:    parts.product,
			Version:    parts.version,
			Criteria:   criteria,
			Vulnerable: match.Vulnerable,
		}
	}
	for i := range node.Children {
		t.walkNode(&node.Children[i], byCriteria)
	}
}

func (t *Transformer) parseCriteria(criteria string) (cpeParts, bool) {
	if v, hit := t.cpe.Get(criteria); hit {
		return v, v.ok
	}
	v := parseCPE23(criteria)
	t.cpe.Add(criteria, v)
	return v, v.ok
}

// parseCPE23 pulls part, vendor, product and version out of a CPE 2.3
// criteria string. Vendor and product are lowercased; criteria with an
// empty part, vendor or product are rejected.
func parseCPE23(criteria string) cpeParts {
	if !strings.HasPrefix(criteria, "cpe:2.3:") {
		return cpeParts{}
	}
	// cpe:2.3:<part>:<vendor>:<product>:<version>:...
	fields := splitCPE23(criteria)
	if len(fields) < 6 {
		return cpeParts{}
	}
	p := cpeParts{
		part:    strings.TrimSpace(fields[2]),
		vendor:  strings.ToLower(strings.TrimSpace(fields[3])),
		product: strings.ToLower(strings.TrimSpace(fields[4])),
		version: strings.TrimSpace(fields[5]),
	}
	if p.part == "" || p.vendor == "" || p.product == "" {
		return cpeParts{}
	}
	p.ok = true
	return p
}

// splitCPE23 splits on unescaped colons; a backslash escapes the next rune.
func splitCPE23(criteria string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, ch := range criteria {
		if escaped {
			cur.WriteRune(ch)
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(ch)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
