// Package quality implements the quality classifier: an AI-assisted
// scorer that rates a record's response on coherence, relevance, and
// completeness.
package quality

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/llmobs/telemetry-pipeline/internal/aiclient"
	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
)

// minResponseLength is the threshold below which the rubric instructs
// the AI to cap completeness.
const minResponseLength = 20

// Classifier scores one record's response quality via an AI client.
type Classifier struct {
	client  aiclient.Client
	cfg     config.PipelineConfig
	weights telemetry.QualityWeights
	logger  *zap.Logger

	parseFailures atomic.Int64
}

func NewClassifier(client aiclient.Client, cfg config.PipelineConfig, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		client:  client,
		cfg:     cfg,
		weights: telemetry.DefaultQualityWeights(),
		logger:  logger,
	}
}

// ParseFailures reports the lifetime count of terminal classification
// failures (unparseable output or a failed AI call, after any
// retries), the counterpart to the `quality.parse_failures` metric.
func (c *Classifier) ParseFailures() int64 { return c.parseFailures.Load() }

type qualityResponse struct {
	Coherence    float64 `json:"coherence"`
	Relevance    float64 `json:"relevance"`
	Completeness float64 `json:"completeness"`
	Explanation  string  `json:"explanation"`
}

// Classify returns the QualityScore for rec. If quality analysis is
// disabled or rec.Response is empty, it returns the skip sentinel
// without calling the AI client. A non-nil error means the call failed
// terminally (retries exhausted, or a non-retryable error); the
// returned score has a nil Overall and downstream
// treats it as not contributing.
func (c *Classifier) Classify(ctx context.Context, rec telemetry.Record) (telemetry.QualityScore, error) {
	if !c.cfg.EnableQualityAnalysis || rec.Response == "" {
		return telemetry.SkippedQualityScore(), nil
	}

	prompt := buildPrompt(rec)
	retry := aiclient.DefaultRetryConfig()
	retry.MaxRetries = c.cfg.MaxRetries
	retry.PerCallTimeout = c.cfg.PerCallTimeout

	var parsed qualityResponse
	err := aiclient.WithRetry(ctx, retry, c.logger, "quality_classify", func(ctx context.Context) error {
		raw, err := c.client.Complete(ctx, aiclient.Request{
			Prompt:          prompt,
			Temperature:     0.2,
			MaxOutputTokens: c.cfg.MaxOutputTokens,
		})
		if err != nil {
			return err
		}
		result := aiclient.ParseJSON[qualityResponse](raw)
		if !result.Success {
			return &aiclient.CallError{Kind: aiclient.ErrInvalidResponse, Err: fmt.Errorf("%s", result.Error)}
		}
		parsed = result.Data
		return nil
	})

	if err != nil {
		c.parseFailures.Add(1)
		c.logger.Warn("quality classification exhausted retries", zap.String("trace_id", rec.TraceID), zap.Error(err))
		return telemetry.QualityScore{Explanation: "parse_failure"}, err
	}

	score := telemetry.QualityScore{
		Coherence:    parsed.Coherence,
		Relevance:    parsed.Relevance,
		Completeness: parsed.Completeness,
		Explanation:  parsed.Explanation,
	}
	score.Compute(c.weights)
	return score, nil
}

func buildPrompt(rec telemetry.Record) string {
	var b strings.Builder
	b.WriteString("You are scoring the quality of an LLM response against its prompt.\n\n")
	b.WriteString("Score three dimensions, each in the range 0.0 to 1.0:\n")
	b.WriteString("- coherence: is the response internally consistent and well-formed?\n")
	b.WriteString("- relevance: does the response actually address the prompt?\n")
	b.WriteString("- completeness: does the response fully cover what the prompt asked?\n\n")
	b.WriteString(fmt.Sprintf(
		"Rubric note: a response under %d bytes must score completeness <= 0.5 regardless of "+
			"other factors, since it cannot plausibly cover the request in full.\n\n",
		minResponseLength,
	))
	b.WriteString("Respond with ONLY a JSON object with exactly these keys: ")
	b.WriteString(`"coherence", "relevance", "completeness", "explanation". No other text.` + "\n\n")
	b.WriteString("PROMPT:\n")
	b.WriteString(rec.Prompt)
	b.WriteString("\n\nRESPONSE:\n")
	b.WriteString(rec.Response)
	return b.String()
}
