// Package threat implements the threat classifier: a cheap
// regex/keyword pre-filter followed by an AI-assisted verdict, merged
// under confidence and severity tie-break rules.
package threat

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/llmobs/telemetry-pipeline/internal/aiclient"
	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
)

// Pre-filter signatures, compiled once and checked against prompt or
// response text depending on scope.
var (
	injectionRegex   = regexp.MustCompile(`(?i)ignore (all )?previous instructions|system\s*:`)
	jailbreakRegex   = regexp.MustCompile(`(?i)\b(DAN|AIM|developer mode)\b`)
	ssnRegex         = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailRegex       = regexp.MustCompile(`[^\s]+@[^\s]+\.[^\s]+`)
	phoneRegex       = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
	ccCandidateRegex = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
)

// preFilterResult is the cheap-signature pass's finding for one scope.
type preFilterResult struct {
	suspected  bool
	kind       telemetry.ThreatKind
	indicators []string
}

// preFilter runs the cheap regex/keyword checks, returning the
// most-specific category suspected (injection outranks jailbreak,
// which outranks pii) along with every indicator matched, for use in
// the Incident summary. It checks no toxicity keywords, so it never
// suspects toxic_content.
func preFilter(text string) preFilterResult {
	var indicators []string
	kind := telemetry.ThreatNone

	if injectionRegex.MatchString(text) {
		indicators = append(indicators, "prompt injection phrase")
		kind = telemetry.ThreatPromptInjection
	}
	if m := jailbreakRegex.FindString(text); m != "" {
		indicators = append(indicators, "jailbreak pattern: "+m)
		if kind == telemetry.ThreatNone {
			kind = telemetry.ThreatJailbreak
		}
	}
	if ssnRegex.MatchString(text) {
		indicators = append(indicators, "SSN")
		if kind == telemetry.ThreatNone {
			kind = telemetry.ThreatPIILeak
		}
	}
	if m := ccCandidateRegex.FindString(text); m != "" && luhnValid(m) {
		indicators = append(indicators, "credit card number")
		if kind == telemetry.ThreatNone {
			kind = telemetry.ThreatPIILeak
		}
	}
	if emailRegex.MatchString(text) {
		indicators = append(indicators, "email address")
		if kind == telemetry.ThreatNone {
			kind = telemetry.ThreatPIILeak
		}
	}
	if phoneRegex.MatchString(text) {
		indicators = append(indicators, "phone number")
		if kind == telemetry.ThreatNone {
			kind = telemetry.ThreatPIILeak
		}
	}

	return preFilterResult{suspected: len(indicators) > 0, kind: kind, indicators: indicators}
}

// luhnValid reports whether the digit string (ignoring separators)
// passes the Luhn check, filtering the regex's loose 13-19 digit
// candidate down to plausible card numbers.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	parity := len(digits) % 2
	for i, d := range digits {
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// aiVerdict is the strict-JSON shape the AI call is asked to return.
type aiVerdict struct {
	Kind       string   `json:"kind"`
	Confidence float64  `json:"confidence"`
	Severity   string   `json:"severity"`
	Indicators []string `json:"indicators"`
}

// Classifier runs the prompt- and response-scope threat scans.
type Classifier struct {
	client aiclient.Client
	cfg    config.PipelineConfig
	logger *zap.Logger
}

func NewClassifier(client aiclient.Client, cfg config.PipelineConfig, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{client: client, cfg: cfg, logger: logger}
}

// ClassifyPrompt scans rec.Prompt. Runs unconditionally whenever
// threat detection is enabled, independent of whether the record
// produced a response (an empty response still gets its prompt
// scanned). A non-nil error means the AI verdict was lost to a
// terminal failure and the result (if any) came from the pre-filter
// alone; callers use it to mark the record's incident partial.
func (c *Classifier) ClassifyPrompt(ctx context.Context, rec telemetry.Record) (telemetry.ThreatVerdict, bool, error) {
	if !c.cfg.EnableThreatDetection {
		return telemetry.ThreatVerdict{}, false, nil
	}
	return c.classify(ctx, rec, telemetry.ScopePrompt, rec.Prompt)
}

// ClassifyResponse scans rec.Response. Skipped entirely for an empty
// response.
func (c *Classifier) ClassifyResponse(ctx context.Context, rec telemetry.Record) (telemetry.ThreatVerdict, bool, error) {
	if !c.cfg.EnableThreatDetection || rec.Response == "" {
		return telemetry.ThreatVerdict{}, false, nil
	}
	return c.classify(ctx, rec, telemetry.ScopeResponse, rec.Response)
}

func (c *Classifier) classify(ctx context.Context, rec telemetry.Record, scope telemetry.Scope, text string) (telemetry.ThreatVerdict, bool, error) {
	pre := preFilter(text)

	retry := aiclient.DefaultRetryConfig()
	retry.MaxRetries = c.cfg.MaxRetries
	retry.PerCallTimeout = c.cfg.PerCallTimeout

	var parsed aiVerdict
	err := aiclient.WithRetry(ctx, retry, c.logger, "threat_classify", func(ctx context.Context) error {
		raw, callErr := c.client.Complete(ctx, aiclient.Request{
			Prompt:          buildPrompt(scope, text),
			Temperature:     0.1,
			MaxOutputTokens: c.cfg.MaxOutputTokens,
		})
		if callErr != nil {
			return callErr
		}
		result := aiclient.ParseJSON[aiVerdict](raw)
		if !result.Success {
			return &aiclient.CallError{Kind: aiclient.ErrInvalidResponse, Err: fmt.Errorf("%s", result.Error)}
		}
		parsed = result.Data
		return nil
	})

	if err != nil {
		c.logger.Warn("threat classification exhausted retries, falling back to pre-filter",
			zap.String("trace_id", rec.TraceID), zap.String("scope", string(scope)), zap.Error(err))
		v, ok := c.mergeFallback(pre, scope)
		return v, ok, err
	}

	v, ok := c.merge(pre, scope, parsed)
	return v, ok, nil
}

// merge decides the final verdict: the AI's kind wins if its
// confidence clears threat_min_confidence; otherwise the pre-filter's
// suspicion (if any) downgrades to a fixed medium-confidence verdict;
// otherwise the scope is clean.
func (c *Classifier) merge(pre preFilterResult, scope telemetry.Scope, ai aiVerdict) (telemetry.ThreatVerdict, bool) {
	kind := telemetry.ThreatKind(ai.Kind)
	if !kind.Valid() {
		kind = telemetry.ThreatNone
	}

	if kind != telemetry.ThreatNone && ai.Confidence >= c.cfg.ThreatMinConfidence {
		indicators := ai.Indicators
		if len(indicators) == 0 {
			indicators = pre.indicators
		}
		v := telemetry.ThreatVerdict{
			Kind:       kind,
			Confidence: ai.Confidence,
			Severity:   c.severity(kind, ai.Confidence, scope),
			Indicators: indicators,
			Scope:      scope,
		}
		return v, true
	}

	return c.mergeFallback(pre, scope)
}

func (c *Classifier) mergeFallback(pre preFilterResult, scope telemetry.Scope) (telemetry.ThreatVerdict, bool) {
	if !pre.suspected {
		return telemetry.ThreatVerdict{}, false
	}
	const fallbackConfidence = 0.70
	v := telemetry.ThreatVerdict{
		Kind:       pre.kind,
		Confidence: fallbackConfidence,
		Severity:   c.severity(pre.kind, fallbackConfidence, scope),
		Indicators: pre.indicators,
		Scope:      scope,
	}
	return v, true
}

// severity implements the tie-break table.
// confidence doubles as the toxicity indicator strength for
// toxic_content verdicts: the AI is asked for one confidence number
// per classification, so it is the only signal available to compare
// against toxicity_min.
func (c *Classifier) severity(kind telemetry.ThreatKind, confidence float64, scope telemetry.Scope) telemetry.Severity {
	switch kind {
	case telemetry.ThreatPromptInjection, telemetry.ThreatJailbreak:
		if confidence >= 0.90 {
			return telemetry.SeverityCritical
		}
		return telemetry.SeverityHigh
	case telemetry.ThreatPIILeak:
		if scope == telemetry.ScopeResponse {
			return telemetry.SeverityHigh
		}
		return telemetry.SeverityLow
	case telemetry.ThreatToxicContent:
		if confidence >= c.cfg.ToxicityMin {
			return telemetry.SeverityHigh
		}
		return telemetry.SeverityMedium
	default:
		return telemetry.SeverityLow
	}
}

func buildPrompt(scope telemetry.Scope, text string) string {
	var b strings.Builder
	b.WriteString("You are a security classifier screening LLM traffic for threats.\n\n")
	b.WriteString("Classify the ")
	b.WriteString(string(scope))
	b.WriteString(" text below into exactly one of: none, prompt_injection, jailbreak, pii_leak, toxic_content.\n\n")
	b.WriteString("Respond with ONLY a JSON object with exactly these keys: ")
	b.WriteString(`"kind", "confidence" (0.0-1.0), "severity" (low|medium|high|critical), "indicators" (array of short strings). No other text.` + "\n\n")
	b.WriteString("TEXT:\n")
	b.WriteString(text)
	return b.String()
}

// SortedIndicators flattens the verdicts' indicators in a deterministic
// order: grouped by kind, kinds sorted, each group in input order.
func SortedIndicators(verdicts []telemetry.ThreatVerdict) []string {
	kinds := make([]string, 0, len(verdicts))
	byKind := map[string][]string{}
	for _, v := range verdicts {
		k := string(v.Kind)
		if _, ok := byKind[k]; !ok {
			kinds = append(kinds, k)
		}
		byKind[k] = append(byKind[k], v.Indicators...)
	}
	sort.Strings(kinds)
	var out []string
	for _, k := range kinds {
		out = append(out, byKind[k]...)
	}
	return out
}
