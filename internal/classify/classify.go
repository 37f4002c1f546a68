// Package classify derives an impact classification from vulnerability
// description text. Rule sets are versioned: the version is stamped on every
// record a rule set classifies, so stored classifications can be re-derived
// offline when the rules change.
package classify

import (
	"regexp"
	"strings"
)

// Labels lists every impact type a rule set may produce.
var Labels = []string{
	"Remote Code Execution",
	"Authentication Bypass",
	"Privilege Escalation",
	"SQL Injection",
	"Command Injection",
	"Code Injection",
	"Cross-Site Scripting",
	"Path Traversal",
	"Server-Side Request Forgery",
	"Insecure Deserialization",
	"Denial of Service",
	"Information Disclosure",
	"Memory Corruption",
	"Other",
}

type rule struct {
	keyword string
	label   string
}

// RuleSet is a deterministic, ordered keyword classifier. Apply order
// matters: the first matching rule wins.
type RuleSet struct {
	version string
	rceWord *regexp.Regexp
	rules   []rule
}

var v1 = &RuleSet{
	version: "v1",
	rceWord: regexp.MustCompile(`\brce\b`),
	rules: []rule{
		{"remote code execution", "Remote Code Execution"},
		{"authentication bypass", "Authentication Bypass"},
		{"auth bypass", "Authentication Bypass"},
		{"privilege escalation", "Privilege Escalation"},
		{"sql injection", "SQL Injection"},
		{"command injection", "Command Injection"},
		{"code injection", "Code Injection"},
		{"cross-site scripting", "Cross-Site Scripting"},
		{"xss", "Cross-Site Scripting"},
		{"path traversal", "Path Traversal"},
		{"directory traversal", "Path Traversal"},
		{"ssrf", "Server-Side Request Forgery"},
		{"request forgery", "Server-Side Request Forgery"},
		{"deserialization", "Insecure Deserialization"},
		{"denial of service", "Denial of Service"},
		{"dos", "Denial of Service"},
		{"information disclosure", "Information Disclosure"},
		{"out-of-bounds", "Memory Corruption"},
		{"buffer overflow", "Memory Corruption"},
		{"use-after-free", "Memory Corruption"},
	},
}

// Current returns the active rule set.
func Current() *RuleSet { return v1 }

func (r *RuleSet) Version() string { return r.version }

// Classify maps description text to an impact label. Identical input always
// yields the same label.
func (r *RuleSet) Classify(description string) string {
	text := strings.ToLower(description)
	if r.rceWord.MatchString(text) {
		return "Remote Code Execution"
	}
	for _, rl := range r.rules {
		if strings.Contains(text, rl.keyword) {
			return rl.label
		}
	}
	return "Other"
}
