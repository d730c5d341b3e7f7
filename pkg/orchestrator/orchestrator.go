// Package orchestrator drives a single "produce a valid artifact or fail"
// operation around the model gateway: admission check, cache lookup, prompt
// build, then a bounded retry loop with corrective feedback, a model fallback
// cascade and quality recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loom-kg/backend/internal/util"
	"github.com/loom-kg/backend/pkg/ai"
	"github.com/loom-kg/backend/pkg/budget"
	"github.com/loom-kg/backend/pkg/common"
	"github.com/loom-kg/backend/pkg/logger"
	"github.com/loom-kg/backend/pkg/mermaid"
	"github.com/loom-kg/backend/pkg/validate"
)

// ModelCaller is the gateway surface the orchestrator needs. *ai.Gateway
// implements it.
type ModelCaller interface {
	Call(ctx context.Context, req ai.CallRequest) (*ai.CallResponse, error)
}

// AdmissionGuard is the cost-guard surface the orchestrator needs.
// *budget.Guard implements it.
type AdmissionGuard interface {
	CheckBudget(ctx context.Context, userID, documentID, operation string) error
	RecordUsage(ctx context.Context, rec budget.UsageRecord) error
}

// ResultCache stores raw successful model outputs keyed by content hash.
// Failures on either side degrade to a miss or a skipped write.
type ResultCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cascade is the fixed model fallback sequence: cheap tier, mid tier, then
// an alternate-provider tier.
type Cascade struct {
	Cheap string
	Mid   string
	Alt   string
}

// DefaultCascade matches the production model lineup.
var DefaultCascade = Cascade{
	Cheap: "gpt-4o-mini",
	Mid:   "gpt-4o",
	Alt:   "gpt-4.1",
}

// Next returns the model after the given one in the cascade, or false when
// the cascade is exhausted.
func (c Cascade) Next(model string) (string, bool) {
	switch model {
	case c.Cheap:
		if c.Mid != "" {
			return c.Mid, true
		}
	case c.Mid:
		if c.Alt != "" && c.Alt != c.Mid {
			return c.Alt, true
		}
	}
	return "", false
}

// Config tunes one Execute call.
type Config struct {
	MaxRetries       int
	QualityThreshold int
	PreferredModel   string
	Timeout          time.Duration
	UserID           string
	TargetID         string
}

// Result is a successful orchestration outcome. Usage and CostUSD cover all
// attempts of the sequence, not just the final one.
type Result struct {
	Artifact any
	Subgraph *common.Subgraph
	Raw      string
	Model    string
	Quality  int
	Attempts int
	Cached   bool
	Usage    ai.Usage
	CostUSD  float64
}

// AdjudicationDecision is one merge verdict for a numbered concept pair.
type AdjudicationDecision struct {
	Pair  int  `json:"pair"`
	Merge bool `json:"merge"`
}

// AdjudicationResult is the parsed artifact of a node-adjudication call.
type AdjudicationResult struct {
	Decisions []AdjudicationDecision `json:"decisions"`
}

// Providers that support structured output enforce this schema on
// adjudication responses; parsing still goes through UnmarshalFlexible.
var adjudicationSchema = ai.GenerateSchema(&AdjudicationResult{})

const (
	defaultMaxRetries       = 3
	defaultQualityThreshold = 60

	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 8 * time.Second
)

// Orchestrator composes the cost guard, model gateway, validator and result
// cache. All collaborators are injected; guard and cache may be nil.
type Orchestrator struct {
	caller    ModelCaller
	guard     AdmissionGuard
	validator *validate.Validator
	cache     ResultCache
	cascade   Cascade

	backoffBase time.Duration
	backoffMax  time.Duration
}

type Option func(*Orchestrator)

// WithCascade overrides DefaultCascade.
func WithCascade(c Cascade) Option {
	return func(o *Orchestrator) { o.cascade = c }
}

// WithResultCache attaches a result cache.
func WithResultCache(cache ResultCache) Option {
	return func(o *Orchestrator) { o.cache = cache }
}

// WithBackoff overrides the rate-limit backoff parameters.
func WithBackoff(base, max time.Duration) Option {
	return func(o *Orchestrator) {
		o.backoffBase = base
		o.backoffMax = max
	}
}

// NewOrchestrator creates an Orchestrator. guard may be nil to disable
// admission control and usage recording.
func NewOrchestrator(caller ModelCaller, guard AdmissionGuard, validator *validate.Validator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		caller:      caller,
		guard:       guard,
		validator:   validator,
		cascade:     DefaultCascade,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(o)
	}
	return o
}

// Execute runs the full state machine for one prompt kind over one piece of
// context text. Budget denial, non-retryable provider errors and cascade
// exhaustion abort immediately; everything else is retried within
// cfg.MaxRetries attempts.
func (o *Orchestrator) Execute(ctx context.Context, kind PromptKind, contextText string, cfg Config) (*Result, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = defaultQualityThreshold
	}
	operation := string(kind)

	if o.guard != nil {
		if err := o.guard.CheckBudget(ctx, cfg.UserID, cfg.TargetID, operation); err != nil {
			return nil, err
		}
	}

	model := cfg.PreferredModel
	if model == "" {
		model = o.cascade.Cheap
	}

	key := util.HashKey(string(kind), model, promptVersion, contextText)
	if o.cache != nil {
		if raw, ok, err := o.cache.Get(ctx, key); err == nil && ok {
			if res, perr := o.buildCachedResult(kind, raw, model, cfg.QualityThreshold); perr == nil {
				return res, nil
			}
			// A cached entry that no longer parses is treated as a miss.
		} else if err != nil {
			logger.Warn("[Orchestrator] cache read failed", "error", err)
		}
	}

	system, template := templates(kind)

	var (
		feedback   string
		feedbacks  []string
		scores     []int
		totalUsage ai.Usage
		totalCost  float64
		attempts   int
	)

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		attempts = attempt

		prompt := fmt.Sprintf(template, contextText)
		if feedback != "" {
			prompt = fmt.Sprintf(feedbackPreamble, feedback) + prompt
		}

		req := ai.CallRequest{
			SystemPrompt: system,
			UserPrompt:   prompt,
			Model:        model,
			MaxTokens:    maxTokensFor(kind),
			Temperature:  temperatureFor(kind),
			Timeout:      cfg.Timeout,
		}
		if kind == KindAdjudication {
			req.SchemaName = "adjudication_result"
			req.Schema = adjudicationSchema
		}
		resp, err := o.caller.Call(ctx, req)
		if err != nil {
			var rateLimit *ai.RateLimitError
			var timeout *ai.ModelTimeoutError
			var unavailable *ai.UnavailableError
			switch {
			case errors.As(err, &rateLimit):
				delay := rateLimit.RetryAfter
				if delay <= 0 {
					delay = util.BackoffDelay(attempt-1, o.backoffBase, o.backoffMax)
				}
				logger.Warn("[Orchestrator] rate limited", "model", model, "delay", delay)
				if serr := util.SleepWithContext(ctx, delay); serr != nil {
					return nil, serr
				}
				continue
			case errors.As(err, &timeout):
				logger.Warn("[Orchestrator] call timed out", "model", model, "attempt", attempt)
				continue
			case errors.As(err, &unavailable) && unavailable.Retryable:
				next, ok := o.cascade.Next(model)
				if !ok {
					return nil, &CascadeExhaustedError{LastModel: model, Err: err}
				}
				logger.Warn("[Orchestrator] model unavailable, switching",
					"from", model, "to", next)
				model = next
				continue
			default:
				return nil, err
			}
		}

		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens
		totalUsage.TotalTokens += resp.Usage.TotalTokens
		if cost, cerr := ai.CalculateCost(resp.Usage, model); cerr == nil {
			totalCost += cost
		} else {
			logger.Warn("[Orchestrator] no price registered", "model", model)
		}

		artifact, perr := parseArtifact(kind, resp.Content)
		if perr != nil {
			logger.Debug("[Orchestrator] parse failed", "kind", kind, "attempt", attempt, "error", perr)
			feedback = parseFailureFeedback
			feedbacks = append(feedbacks, feedback)
			scores = append(scores, 0)
			continue
		}

		vres := o.validator.Validate(artifact, validationKind(kind), validate.Options{
			Mode:      validate.ModeQuick,
			Threshold: cfg.QualityThreshold,
		})
		scores = append(scores, vres.Score)
		if vres.Passed {
			res := &Result{
				Artifact: artifact,
				Raw:      resp.Content,
				Model:    model,
				Quality:  vres.Score,
				Attempts: attempt,
				Usage:    totalUsage,
				CostUSD:  totalCost,
			}
			if sub, ok := artifact.(*common.Subgraph); ok {
				res.Subgraph = sub
			}
			o.finishSuccess(ctx, kind, key, resp.Content, cfg, res)
			return res, nil
		}

		feedback = validate.Feedback(vres.Issues)
		if feedback == "" {
			feedback = "improve the output so it passes the structural checks"
		}
		feedbacks = append(feedbacks, feedback)
		// Quality recovery: two failed validations on the cheap tier mean
		// the model, not the prompt, is the bottleneck.
		if model == o.cascade.Cheap && attempt == 2 {
			if next, ok := o.cascade.Next(model); ok {
				logger.Info("[Orchestrator] quality recovery, upgrading model",
					"from", model, "to", next)
				model = next
			}
		}
	}

	o.recordUsage(ctx, budget.UsageRecord{
		UserID:       cfg.UserID,
		DocumentID:   cfg.TargetID,
		Operation:    operation,
		Model:        model,
		InputTokens:  totalUsage.InputTokens,
		OutputTokens: totalUsage.OutputTokens,
		CostUSD:      totalCost,
		QualityScore: lastScore(scores),
		Attempts:     attempts,
		Success:      false,
	})

	return nil, &ValidationExhaustedError{
		Kind:     kind,
		Attempts: attempts,
		Feedback: feedbacks,
		Scores:   scores,
	}
}

func (o *Orchestrator) finishSuccess(ctx context.Context, kind PromptKind, key, raw string, cfg Config, res *Result) {
	if o.cache != nil {
		if err := o.cache.SetWithTTL(ctx, key, raw, ttlFor(kind)); err != nil {
			logger.Warn("[Orchestrator] cache write failed", "error", err)
		}
	}
	o.recordUsage(ctx, budget.UsageRecord{
		UserID:       cfg.UserID,
		DocumentID:   cfg.TargetID,
		Operation:    string(kind),
		Model:        res.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostUSD:      res.CostUSD,
		QualityScore: res.Quality,
		Attempts:     res.Attempts,
		Success:      true,
	})
}

// recordUsage is non-fatal: metrics must never break the user-visible
// result.
func (o *Orchestrator) recordUsage(ctx context.Context, rec budget.UsageRecord) {
	if o.guard == nil {
		return
	}
	if err := o.guard.RecordUsage(ctx, rec); err != nil {
		logger.Warn("[Orchestrator] usage recording failed", "operation", rec.Operation, "error", err)
	}
}

func (o *Orchestrator) buildCachedResult(kind PromptKind, raw, model string, threshold int) (*Result, error) {
	artifact, err := parseArtifact(kind, raw)
	if err != nil {
		return nil, err
	}
	vres := o.validator.Validate(artifact, validationKind(kind), validate.Options{
		Mode:      validate.ModeQuick,
		Threshold: threshold,
	})
	if !vres.Passed {
		return nil, fmt.Errorf("cached artifact no longer passes validation (score %d)", vres.Score)
	}
	res := &Result{
		Artifact: artifact,
		Raw:      raw,
		Model:    model,
		Quality:  vres.Score,
		Cached:   true,
	}
	if sub, ok := artifact.(*common.Subgraph); ok {
		res.Subgraph = sub
	}
	return res, nil
}

func templates(kind PromptKind) (system, user string) {
	switch kind {
	case KindGraphExtraction:
		return GraphExtractionSystemPrompt, GraphExtractionPrompt
	case KindSummary:
		return SummarySystemPrompt, SummaryPrompt
	case KindAdjudication:
		return AdjudicationSystemPrompt, AdjudicationPrompt
	default:
		return "", "%s"
	}
}

func parseArtifact(kind PromptKind, content string) (any, error) {
	switch kind {
	case KindGraphExtraction:
		block, ok := ai.ExtractFencedBlock(content, "mermaid")
		if !ok {
			block = content
		}
		return mermaid.Parse(block)
	case KindAdjudication:
		var out AdjudicationResult
		if err := ai.UnmarshalFlexible(content, &out); err != nil {
			return nil, err
		}
		return &out, nil
	default:
		text := strings.TrimSpace(content)
		if text == "" {
			return nil, fmt.Errorf("empty response for kind %s", kind)
		}
		return text, nil
	}
}

func validationKind(kind PromptKind) string {
	if kind == KindGraphExtraction {
		return validate.ArtifactKindGraph
	}
	return string(kind)
}

func maxTokensFor(kind PromptKind) int {
	switch kind {
	case KindGraphExtraction:
		return 2000
	case KindAdjudication:
		return 800
	default:
		return 500
	}
}

func temperatureFor(kind PromptKind) float64 {
	switch kind {
	case KindAdjudication:
		return 0
	case KindSummary:
		return 0.3
	default:
		return 0.2
	}
}

func ttlFor(kind PromptKind) time.Duration {
	switch kind {
	case KindAdjudication:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func lastScore(scores []int) int {
	if len(scores) == 0 {
		return 0
	}
	return scores[len(scores)-1]
}
