package telemetry

// Enrichment bundles everything the analyzers attached to one record:
// the quality score, any threat verdicts, and any anomalies. It is
// persisted alongside the record and copied into an Incident when one
// is synthesized. Partial marks that at least one analyzer failed
// terminally for this record.
type Enrichment struct {
	Quality   *QualityScore   `json:"quality,omitempty"`
	Threats   []ThreatVerdict `json:"threats,omitempty"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`
	Partial   bool            `json:"partial"`
}
