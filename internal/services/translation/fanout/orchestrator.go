// Package fanout turns one accepted message into one translation per
// distinct target language. Every language is claimed in the translation
// cache before any engine call, so concurrent orchestrators (in this
// process or another) translate each (message, language) pair once.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/platform/timeouts"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/engine"
	"github.com/louisbranch/parley/internal/services/translation/language"
	"github.com/louisbranch/parley/internal/services/translation/storage"
)

const tracerName = "github.com/louisbranch/parley/internal/services/translation/fanout"

// ErrClosed is returned by OnMessageCreated after Close.
var ErrClosed = errors.New("fanout orchestrator is closed")

// Config tunes dispatch and retry.
type Config struct {
	// MaxAttempts bounds engine calls per language, first call included.
	MaxAttempts int
	// RetryBase is the first backoff delay; later delays double.
	RetryBase time.Duration
	// RetryMaxDelay caps a single backoff delay. A Retry-After hint above
	// it fails the dispatch instead of being shortened.
	RetryMaxDelay time.Duration
	// CallTimeout bounds one engine call. Expiry counts as a failed attempt.
	CallTimeout time.Duration
	// ClaimTTL is the lease on a pending claim. No retry is started unless
	// it can complete, CallTimeout included, before the lease ends.
	ClaimTTL time.Duration
	// MaxInFlight bounds concurrent per-language dispatches.
	MaxInFlight int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
		CallTimeout:   timeouts.EngineCall,
		ClaimTTL:      time.Minute,
		MaxInFlight:   32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = max(d.RetryMaxDelay, c.RetryBase)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = d.ClaimTTL
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	return c
}

// Notifier receives the outcome of each per-language dispatch.
type Notifier interface {
	DeliverTranslation(conversationID string, rec domain.TranslationRecord)
	DeliverFailure(conversationID string, key domain.Key, retryable bool)
}

// Deps are the collaborators of an Orchestrator. Cache, Engine and
// Notifier are required.
type Deps struct {
	Cache    storage.Cache
	Engine   engine.Engine
	Notifier Notifier
	Resolver language.Resolver
	// Preferences, when set, replaces each participant's preference record
	// with the provider's current one before resolution.
	Preferences language.PreferenceProvider
	// Owner identifies this instance in claims. Must be unique per process.
	Owner   string
	Metrics *Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
	// Now stamps committed records. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Orchestrator runs message fan-outs. It is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	cache    storage.Cache
	engine   engine.Engine
	notifier Notifier
	resolver language.Resolver
	prefs    language.PreferenceProvider
	owner    string
	metrics  *Metrics
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	sem      *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	messages map[string]*messageState
}

// messageState tracks the live dispatches of one message.
type messageState struct {
	pending int
	stale   bool
}

// New builds an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Cache == nil {
		return nil, fmt.Errorf("translation cache is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("translation engine is required")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	owner := strings.TrimSpace(deps.Owner)
	if owner == "" {
		return nil, fmt.Errorf("claim owner is required")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		cache:    deps.Cache,
		engine:   deps.Engine,
		notifier: deps.Notifier,
		resolver: deps.Resolver,
		prefs:    deps.Preferences,
		owner:    owner,
		metrics:  deps.Metrics,
		log:      logger,
		tracer:   tracer,
		now:      now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		baseCtx:  baseCtx,
		cancel:   cancel,
		messages: make(map[string]*messageState),
	}, nil
}

// OnMessageCreated computes the target languages of msg and dispatches one
// background translation per language. It returns the targets without
// waiting for any translation. An empty result means the message is
// delivered original-only.
func (o *Orchestrator) OnMessageCreated(ctx context.Context, msg domain.Message, participants []domain.Participant) ([]string, error) {
	if err := msg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid message", err)
	}
	if msg.Deleted {
		return nil, nil
	}
	ctx, span := o.tracer.Start(ctx, "fanout.message", trace.WithAttributes(
		attribute.String("parley.message_id", msg.ID),
		attribute.String("parley.conversation_id", msg.ConversationID),
	))
	defer span.End()

	participants = o.refresh(ctx, participants)
	source := o.sourceLanguage(ctx, msg, participants)
	msg.SourceLanguage = source
	targets := o.resolver.Targets(participants, source)
	span.SetAttributes(
		attribute.String("parley.source_language", source),
		attribute.StringSlice("parley.target_languages", targets),
	)
	if len(targets) == 0 {
		return nil, nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	state := o.messages[msg.ID]
	if state == nil {
		state = &messageState{}
		o.messages[msg.ID] = state
	}
	state.pending += len(targets)
	o.wg.Add(len(targets))
	o.mu.Unlock()

	// Dispatches outlive the caller's request but keep its trace.
	taskCtx := trace.ContextWithSpanContext(o.baseCtx, span.SpanContext())
	for _, target := range targets {
		go o.dispatch(taskCtx, msg, target)
	}
	return targets, nil
}

// Invalidate marks every in-flight dispatch of messageID stale: results
// are still committed but no longer delivered. It reports whether any
// dispatch was in flight.
func (o *Orchestrator) Invalidate(messageID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.messages[messageID]
	if !ok {
		return false
	}
	state.stale = true
	return true
}

// Wait blocks until every dispatch started so far has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops accepting messages and waits for in-flight dispatches. When
// ctx expires first, remaining dispatches are canceled and release their
// claims.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) refresh(ctx context.Context, participants []domain.Participant) []domain.Participant {
	if o.prefs == nil {
		return participants
	}
	out := make([]domain.Participant, 0, len(participants))
	for _, p := range participants {
		if p == nil {
			continue
		}
		member := p.Member()
		prefs, ok, err := o.prefs.Preferences(ctx, member.ID)
		if err != nil {
			o.log.Warn("participant_preferences_unavailable", "participant_id", member.ID, "error", err)
		}
		if err == nil && ok {
			member.Preferences = prefs
			p = domain.WithMembership(p, member)
		}
		out = append(out, p)
	}
	return out
}

// sourceLanguage normalizes msg.SourceLanguage, falling back to the
// sender's preferred language.
func (o *Orchestrator) sourceLanguage(ctx context.Context, msg domain.Message, participants []domain.Participant) string {
	if code, ok := o.resolver.Normalize(msg.SourceLanguage); ok {
		return code
	}
	for _, p := range participants {
		if p != nil && p.Member().ID == msg.SenderID {
			return o.resolver.Resolve(p)
		}
	}
	if o.prefs != nil {
		if prefs, ok, err := o.prefs.Preferences(ctx, msg.SenderID); err == nil && ok {
			return o.resolver.ResolvePreferences(prefs)
		}
	}
	return o.resolver.ResolvePreferences(domain.Preferences{})
}

func (o *Orchestrator) finish(messageID string) (stale bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.messages[messageID]
	if !ok {
		return false
	}
	stale = state.stale
	state.pending--
	if state.pending <= 0 {
		delete(o.messages, messageID)
	}
	return stale
}

func (o *Orchestrator) isStale(messageID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.messages[messageID]
	return ok && state.stale
}

func (o *Orchestrator) dispatch(ctx context.Context, msg domain.Message, target string) {
	defer o.wg.Done()
	defer o.finish(msg.ID)

	key := domain.Key{MessageID: msg.ID, TargetLanguage: target}
	req := domain.NewFanoutRequest(key)
	ctx, span := o.tracer.Start(ctx, "fanout.dispatch", trace.WithAttributes(
		attribute.String("parley.message_id", msg.ID),
		attribute.String("parley.target_language", target),
	))
	defer span.End()
	log := o.log.With("message_id", msg.ID, "language", target)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		log.Warn("translation_dispatch_canceled", "error", err)
		return
	}
	defer o.sem.Release(1)
	o.metrics.addInflight(1)
	defer o.metrics.addInflight(-1)

	lease := time.Now().Add(o.cfg.ClaimTTL)
	acquired, err := o.cache.Claim(ctx, key, o.owner, o.cfg.ClaimTTL)
	if err != nil {
		o.metrics.claim("error")
		_ = req.Transition(domain.FanoutFailed)
		o.fail(ctx, span, log, msg, key, err)
		return
	}
	if !acquired {
		o.metrics.claim("duplicate")
		_ = req.Transition(domain.FanoutDone)
		span.SetAttributes(attribute.Bool("parley.duplicate_claim", true))
		log.Debug("translation_claim_skipped", "code", string(apperrors.CodeDuplicateClaim))
		return
	}
	o.metrics.claim("acquired")

	resp, err := o.translate(ctx, log, msg, req, lease)
	if err != nil {
		_ = req.Transition(domain.FanoutFailed)
		o.release(key, log)
		o.fail(ctx, span, log, msg, key, err)
		return
	}

	rec := domain.TranslationRecord{
		MessageID:         msg.ID,
		TargetLanguage:    target,
		TranslatedContent: resp.TranslatedText,
		EngineModelID:     resp.ModelUsed,
		Confidence:        min(max(resp.Confidence, 0), 1),
		CreatedAt:         o.now(),
	}
	if err := o.cache.Commit(ctx, rec, o.owner); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			// The lease expired and another owner is producing this record.
			o.metrics.commit("claim_lost")
			_ = req.Transition(domain.FanoutDone)
			log.Warn("translation_claim_lost", "attempts", req.Attempts)
			return
		}
		o.metrics.commit("error")
		_ = req.Transition(domain.FanoutFailed)
		o.release(key, log)
		o.fail(ctx, span, log, msg, key, err)
		return
	}
	o.metrics.commit("ok")
	_ = req.Transition(domain.FanoutDone)

	if o.isStale(msg.ID) {
		o.metrics.staleResult()
		span.SetAttributes(attribute.Bool("parley.stale", true))
		log.Info("translation_stale_dropped", "attempts", req.Attempts)
		return
	}
	o.notifier.DeliverTranslation(msg.ConversationID, rec)
	log.Debug("translation_delivered", "attempts", req.Attempts, "model", rec.EngineModelID)
}

// translate calls the engine with jittered exponential backoff. A
// Retry-After hint from the engine raises the next delay. Retries stop
// early when a hint exceeds RetryMaxDelay or the next attempt could not
// finish before lease, so the claim is released instead of expiring.
func (o *Orchestrator) translate(ctx context.Context, log *slog.Logger, msg domain.Message, req *domain.FanoutRequest, lease time.Time) (engine.Response, error) {
	policy := newRetryPolicy(o.cfg.RetryBase, o.cfg.RetryMaxDelay).within(lease, o.cfg.CallTimeout)
	call := engine.Request{
		Text:           msg.Content,
		SourceLanguage: msg.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	}

	op := func() (engine.Response, error) {
		if err := req.Transition(domain.FanoutInflight); err != nil {
			return engine.Response{}, backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		start := time.Now()
		resp, err := o.engine.Translate(callCtx, call)
		elapsed := time.Since(start).Seconds()
		if err == nil && strings.TrimSpace(resp.TranslatedText) == "" {
			err = engine.Rejected(fmt.Errorf("engine returned empty translation"))
		}
		if err == nil {
			o.metrics.engineAttempt("success", elapsed)
			return resp, nil
		}
		err = engine.Classify(ctx, err)
		var engineErr *engine.Error
		if errors.As(err, &engineErr) && !engineErr.Retryable {
			o.metrics.engineAttempt("rejected", elapsed)
			return engine.Response{}, backoff.Permanent(err)
		}
		o.metrics.engineAttempt("unavailable", elapsed)
		if engineErr != nil && engineErr.RetryAfter > 0 {
			if engineErr.RetryAfter > o.cfg.RetryMaxDelay || !policy.fits(engineErr.RetryAfter) {
				log.Warn("translation_retry_after_exceeds_lease", "retry_after", engineErr.RetryAfter, "attempt", req.Attempts)
				return engine.Response{}, backoff.Permanent(err)
			}
			policy.atLeast(engineErr.RetryAfter)
		}
		return engine.Response{}, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info("translation_retry_scheduled", "attempt", req.Attempts, "delay", next, "error", err)
		}),
	)
	if err != nil {
		return engine.Response{}, engine.Classify(ctx, err)
	}
	return resp, nil
}

// release frees the claim so a later edit or manual retry can translate
// the key. It runs on a fresh context because the dispatch context may
// already be canceled.
func (o *Orchestrator) release(key domain.Key, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.GRPCRequest)
	defer cancel()
	if err := o.cache.Release(ctx, key, o.owner); err != nil {
		log.Error("translation_release_failed", "error", err)
		return
	}
	o.metrics.release()
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, log *slog.Logger, msg domain.Message, key domain.Key, err error) {
	code := apperrors.CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	o.metrics.failure(string(code))
	if ctx.Err() != nil && o.baseCtx.Err() != nil {
		log.Warn("translation_abandoned", "code", string(code), "error", err)
		return
	}
	log.Warn("translation_failed", "code", string(code), "retryable", code.Retryable(), "error", err)
	if o.isStale(msg.ID) {
		return
	}
	o.notifier.DeliverFailure(msg.ConversationID, key, code.Retryable())
}
