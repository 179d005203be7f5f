package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/metrics"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/telemetry"
)

var tracer = telemetry.Tracer("github.com/ashita-ai/rarity/scorer")

type attemptResult struct {
	scores     []model.ScoreResult
	unresolved []model.WordRow
	lastErr    error
	// connectivity is set only when every try failed on connectivity.
	connectivity bool
}

type successLine struct {
	TS                string          `json:"ts"`
	Run               string          `json:"run"`
	AttemptID         string          `json:"attempt_id"`
	Attempt           int             `json:"attempt"`
	BatchSize         int             `json:"batch_size"`
	OutputMode        string          `json:"output_mode"`
	Expected          int             `json:"expected_items,omitempty"`
	ParsedCount       int             `json:"parsed_count"`
	UnresolvedCount   int             `json:"unresolved_count"`
	ResponseFormat    string          `json:"response_format_mode"`
	ReasoningControls bool            `json:"reasoning_controls_enabled"`
	Request           json.RawMessage `json:"request"`
	Response          any             `json:"response"`
}

type errorLine struct {
	TS                          string          `json:"ts"`
	Run                         string          `json:"run"`
	AttemptID                   string          `json:"attempt_id"`
	Attempt                     int             `json:"attempt"`
	BatchSize                   int             `json:"batch_size"`
	OutputMode                  string          `json:"output_mode"`
	Error                       string          `json:"error"`
	ConnectivityFailure         bool            `json:"connectivity_failure"`
	UnsupportedResponseFormat   bool            `json:"unsupported_response_format"`
	SwitchToJSONSchema          bool            `json:"switch_to_json_schema"`
	UnsupportedReasoningControl bool            `json:"unsupported_reasoning_controls"`
	EmptyParse                  bool            `json:"empty_parse"`
	ResponseFormat              string          `json:"response_format_mode"`
	ReasoningControls           bool            `json:"reasoning_controls_enabled"`
	ModelCrash                  bool            `json:"model_crash"`
	Request                     json.RawMessage `json:"request,omitempty"`
	ResponseExcerpt             string          `json:"response_excerpt"`
}

// attempt runs up to tries requests for batch, demoting capabilities as the
// server rejects them. It returns on the first parsed response.
func (s *Scorer) attempt(ctx context.Context, batch []model.WordRow, sc Context, systemPrompt string, tries int) attemptResult {
	profile := s.profiles.Resolve(sc.Model)
	openAI := sc.Endpoint.Flavor == model.OpenAICompat
	attemptID := uuid.NewString()

	format := lmstudio.FormatNone
	if openAI {
		format = s.caps.ResponseFormat()
	}
	reasoning := openAI && profile.HasReasoningControls() && s.caps.ReasoningSupported()

	var (
		lastErr          error
		onlyConnectivity = true
	)
	for try := range tries {
		if err := ctx.Err(); err != nil {
			return attemptResult{unresolved: batch, lastErr: err}
		}

		spanCtx, span := tracer.Start(ctx, "rarity.score_batch.attempt", trace.WithAttributes(
			attribute.String("rarity.run", sc.RunSlug),
			attribute.Int("rarity.attempt", try+1),
			attribute.Int("rarity.batch_size", len(batch)),
			attribute.String("rarity.output_mode", sc.Mode.String()),
			attribute.String("rarity.response_format", format.String()),
			attribute.Bool("rarity.reasoning_controls", reasoning),
		))

		body, respBody, parsed, err := s.roundTrip(spanCtx, batch, sc, lmstudio.RequestSpec{
			Model:          sc.Model,
			Batch:          batch,
			SystemPrompt:   systemPrompt,
			UserTemplate:   sc.UserTemplate,
			Mode:           sc.Mode,
			Expected:       sc.Expected,
			ResponseFormat: format,
			Reasoning:      reasoning,
			Profile:        profile,
			MaxTokens:      sc.MaxTokens,
		})
		if err == nil {
			span.SetAttributes(
				attribute.Int("rarity.parsed_count", len(parsed.Scores)),
				attribute.Int("rarity.unresolved_count", len(parsed.Unresolved)),
			)
			span.End()
			s.logLine(sc, successLine{
				TS:                s.timestamp(),
				Run:               sc.RunSlug,
				AttemptID:         attemptID,
				Attempt:           try + 1,
				BatchSize:         len(batch),
				OutputMode:        sc.Mode.String(),
				Expected:          expectedFor(sc),
				ParsedCount:       len(parsed.Scores),
				UnresolvedCount:   len(parsed.Unresolved),
				ResponseFormat:    format.String(),
				ReasoningControls: reasoning,
				Request:           body,
				Response:          jsonOrString(respBody),
			})
			return attemptResult{scores: parsed.Scores, unresolved: parsed.Unresolved}
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		span.End()

		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attemptResult{unresolved: batch, lastErr: ctxErr}
		}

		f := lmstudio.Classify(err)
		unsupportedFormat := format != lmstudio.FormatNone && f.UnsupportedResponseFormat
		switchSchema := format == lmstudio.FormatJSONObject && f.SwitchToJSONSchema
		unsupportedReasoning := reasoning && f.UnsupportedReasoning
		emptyParse := format == lmstudio.FormatJSONSchema && f.EmptyParse
		if !f.Connectivity {
			onlyConnectivity = false
		}
		s.recordError(err, f)

		s.logLine(sc, errorLine{
			TS:                          s.timestamp(),
			Run:                         sc.RunSlug,
			AttemptID:                   attemptID,
			Attempt:                     try + 1,
			BatchSize:                   len(batch),
			OutputMode:                  sc.Mode.String(),
			Error:                       err.Error(),
			ConnectivityFailure:         f.Connectivity,
			UnsupportedResponseFormat:   unsupportedFormat,
			SwitchToJSONSchema:          switchSchema,
			UnsupportedReasoningControl: unsupportedReasoning,
			EmptyParse:                  emptyParse,
			ResponseFormat:              format.String(),
			ReasoningControls:           reasoning,
			ModelCrash:                  f.ModelCrash,
			Request:                     body,
			ResponseExcerpt:             lmstudio.ExcerptForLog(respBody, 500),
		})

		switch {
		case switchSchema:
			s.caps.DemoteResponseFormat(lmstudio.FormatJSONSchema)
		case unsupportedFormat || emptyParse:
			s.caps.DemoteResponseFormat(lmstudio.FormatNone)
		}
		if openAI {
			format = s.caps.ResponseFormat()
		}
		if unsupportedReasoning {
			s.caps.DisableReasoning()
			reasoning = false
		}
		if f.ModelCrash {
			if err := s.sleep(ctx, crashBackoff*time.Duration(try+1)); err != nil {
				return attemptResult{unresolved: batch, lastErr: err}
			}
		}
	}

	s.logger.Warn("scorer: batch failed after retries",
		"run", sc.RunSlug, "batch_size", len(batch), "error", errString(lastErr))
	return attemptResult{unresolved: batch, lastErr: lastErr, connectivity: onlyConnectivity && lastErr != nil}
}

// roundTrip builds, sends and parses one request. The request body and the
// raw response are returned even on failure for logging.
func (s *Scorer) roundTrip(ctx context.Context, batch []model.WordRow, sc Context, spec lmstudio.RequestSpec) ([]byte, string, lmstudio.ParsedBatch, error) {
	body, err := lmstudio.BuildRequest(spec)
	if err != nil {
		return nil, "", lmstudio.ParsedBatch{}, err
	}
	resp, err := s.transport.Post(ctx, sc.Endpoint.ChatURL, body, sc.Timeout)
	if err != nil {
		return body, "", lmstudio.ParsedBatch{}, err
	}
	if !resp.OK() {
		return body, resp.Body, lmstudio.ParsedBatch{}, fmt.Errorf("scorer: server returned HTTP %d: %s", resp.StatusCode, resp.Body)
	}
	parsed, err := s.parser.Parse(lmstudio.ParseRequest{
		Batch:       batch,
		Mode:        sc.Mode,
		ForcedLevel: sc.ForcedLevel,
		Expected:    sc.Expected,
	}, resp.Body)
	return body, resp.Body, parsed, err
}

func (s *Scorer) recordError(err error, f lmstudio.Failure) {
	if s.recorder == nil {
		return
	}
	if f.Connectivity {
		s.recorder.RecordError(metrics.Connectivity)
		return
	}
	s.recorder.RecordError(metrics.CategorizeError(err.Error()))
}

func (s *Scorer) logLine(sc Context, line any) {
	if err := sc.RunLog.Append(line); err != nil {
		s.logger.Warn("scorer: append run log", "path", sc.RunLog.Path(), "error", err)
	}
}

func (s *Scorer) timestamp() string {
	return s.now().Format(time.RFC3339Nano)
}

func expectedFor(sc Context) int {
	if sc.Mode == model.SelectedWordIDs {
		return sc.Expected
	}
	return 0
}

func jsonOrString(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return text
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
