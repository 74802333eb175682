package telemetry

import "fmt"

// ThreatKind is a sealed enumeration of the threat categories the
// Threat Classifier recognizes. The Threat Classifier maps an unknown
// kind returned by the AI to ThreatNone rather than carrying it through
// the pipeline as a free-form string.
type ThreatKind string

const (
	ThreatNone            ThreatKind = "none"
	ThreatPromptInjection ThreatKind = "prompt_injection"
	ThreatJailbreak       ThreatKind = "jailbreak"
	ThreatPIILeak         ThreatKind = "pii_leak"
	ThreatToxicContent    ThreatKind = "toxic_content"
)

func (k ThreatKind) Valid() bool {
	switch k {
	case ThreatNone, ThreatPromptInjection, ThreatJailbreak, ThreatPIILeak, ThreatToxicContent:
		return true
	default:
		return false
	}
}

// Severity is shared by ThreatVerdict, Anomaly, and Incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Max returns the higher-ranked of s and other. Unknown severities rank
// the same as SeverityLow; on a tie s is returned.
func (s Severity) Max(other Severity) Severity {
	if severityRank[other] > severityRank[s] {
		return other
	}
	return s
}

func (s Severity) less(other Severity) bool {
	return severityRank[s] < severityRank[other]
}

// Scope identifies which half of the exchange a ThreatVerdict concerns.
type Scope string

const (
	ScopePrompt   Scope = "prompt"
	ScopeResponse Scope = "response"
)

// ThreatVerdict is one analyzer finding against a single scope. A
// record may produce up to two: one for the prompt, one for the
// response.
type ThreatVerdict struct {
	Kind       ThreatKind `json:"kind"`
	Confidence float64    `json:"confidence"`
	Severity   Severity   `json:"severity"`
	Indicators []string   `json:"indicators,omitempty"`
	Scope      Scope      `json:"scope"`
}

// Validate rejects a verdict carrying an unsealed enum value.
func (t *ThreatVerdict) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown threat kind %q", t.Kind)
	}
	if t.Scope != ScopePrompt && t.Scope != ScopeResponse {
		return fmt.Errorf("unknown threat scope %q", t.Scope)
	}
	if !t.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", t.Severity)
	}
	return nil
}
