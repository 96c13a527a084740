package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chat-relay/internal/domain"
)

// LimitedNotice is sent instead of a reply once an account is out of quota.
const LimitedNotice = "You got limited"

type Completer interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

type Gateway interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// UpdateClaimer deduplicates platform redeliveries by update id.
type UpdateClaimer interface {
	ClaimUpdate(ctx context.Context, updateID int64) (bool, error)
	ReleaseUpdate(ctx context.Context, updateID int64) error
}

type MetricsRecorder interface {
	ObserveOutcome(outcome string)
	ObserveUpstreamError(upstream string)
	ObserveCompletionLatency(d time.Duration)
}

type State string

const (
	StateReceived         State = "received"
	StateUserResolved     State = "user_resolved"
	StateQuotaChecked     State = "quota_checked"
	StateRejected         State = "rejected"
	StateNotifiedLimited  State = "notified_limited"
	StateAllowed          State = "allowed"
	StateHistoryLoaded    State = "history_loaded"
	StateCompleted        State = "completed"
	StateDelivered        State = "delivered"
	StatePersisted        State = "persisted"
	StateQuotaIncremented State = "quota_incremented"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeLimited   Outcome = "limited"
	OutcomeReplied   Outcome = "replied"
	OutcomeFailed    Outcome = "failed"
)

const (
	upstreamStore      = "store"
	upstreamCompletion = "completion"
	upstreamDelivery   = "delivery"
)

// Result describes how one update was handled. Trace lists every state the
// update passed through, ending in StateDone or StateFailed.
type Result struct {
	State      State
	Outcome    Outcome
	Trace      []State
	UsageCount int
}

type options struct {
	usageLimit    int
	historyWindow int
	systemPrompt  string
	claimer       UpdateClaimer
	metrics       MetricsRecorder
}

type Option func(*options)

func WithUsageLimit(limit int) Option {
	return func(o *options) { o.usageLimit = limit }
}

func WithHistoryWindow(n int) Option {
	return func(o *options) { o.historyWindow = n }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *options) {
		if p := strings.TrimSpace(prompt); p != "" {
			o.systemPrompt = p
		}
	}
}

// WithUpdateClaimer enables redelivery deduplication.
func WithUpdateClaimer(c UpdateClaimer) Option {
	return func(o *options) { o.claimer = c }
}

func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) ObserveOutcome(string) {}
func (noopMetrics) ObserveUpstreamError(string) {}
func (noopMetrics) ObserveCompletionLatency(time.Duration) {}

// RelayService turns one inbound chat update into at most one outbound
// message. It keeps no state between calls; all coordination happens in the
// stores.
type RelayService struct {
	accounts     *AccountResolver
	quota        *QuotaEnforcer
	history      *History
	llm          Completer
	gateway      Gateway
	claimer      UpdateClaimer
	metrics      MetricsRecorder
	systemPrompt string
	window       int
	now          func() time.Time
}

func NewRelayService(accounts AccountStore, turns HistoryStore, llm Completer, gw Gateway, opts ...Option) (*RelayService, error) {
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if gw == nil {
		return nil, errors.New("usecase: messaging gateway must not be nil")
	}
	o := options{
		usageLimit:    DefaultUsageLimit,
		historyWindow: DefaultHistoryWindow,
		systemPrompt:  DefaultSystemPrompt,
		metrics:       noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	resolver, err := NewAccountResolver(accounts)
	if err != nil {
		return nil, err
	}
	quota, err := NewQuotaEnforcer(accounts, o.usageLimit)
	if err != nil {
		return nil, err
	}
	history, err := NewHistory(turns)
	if err != nil {
		return nil, err
	}
	return &RelayService{
		accounts:     resolver,
		quota:        quota,
		history:      history,
		llm:          llm,
		gateway:      gw,
		claimer:      o.claimer,
		metrics:      o.metrics,
		systemPrompt: o.systemPrompt,
		window:       clampWindow(o.historyWindow),
		now:          time.Now,
	}, nil
}

type run struct {
	trace     []State
	delivered bool
}

func (r *run) to(s State) {
	r.trace = append(r.trace, s)
}

// Relay processes a single webhook update. Updates without a message, text or
// sender are ignored without side effects.
func (s *RelayService) Relay(ctx context.Context, upd domain.Update) (Result, error) {
	r := &run{trace: []State{StateReceived}}

	msg := upd.Message
	if msg == nil {
		return s.finish(r, OutcomeIgnored, 0), nil
	}
	if strings.TrimSpace(msg.Text) == "" || msg.SenderID() == "" {
		slog.Info("relay: ignoring message without text or sender", "update_id", upd.UpdateID, "chat_id", msg.ChatID())
		return s.finish(r, OutcomeIgnored, 0), nil
	}

	if s.claimer != nil {
		claimed, err := s.claimer.ClaimUpdate(ctx, upd.UpdateID)
		if err != nil {
			return s.fail(r, upstreamStore, newError(ErrorStoreUnavailable, "update_claim_error", err))
		}
		if !claimed {
			slog.Info("relay: skipping redelivered update", "update_id", upd.UpdateID, "chat_id", msg.ChatID())
			return s.finish(r, OutcomeDuplicate, 0), nil
		}
	}

	res, err := s.process(ctx, r, upd.UpdateID, msg)
	// A claim is only given back while nothing has reached the user yet.
	if err != nil && s.claimer != nil && !r.delivered {
		if relErr := s.claimer.ReleaseUpdate(ctx, upd.UpdateID); relErr != nil {
			slog.Warn("relay: failed to release update claim", "update_id", upd.UpdateID, "err", relErr)
		}
	}
	return res, err
}

func (s *RelayService) process(ctx context.Context, r *run, updateID int64, msg *domain.Message) (Result, error) {
	chatID := msg.ChatID()
	text := msg.Text

	acc, err := s.accounts.Resolve(ctx, msg.SenderID(), msg.SenderName())
	if err != nil {
		return s.fail(r, upstreamStore, err)
	}
	r.to(StateUserResolved)
	logger := slog.With("update_id", updateID, "chat_id", chatID, "account_id", acc.ID)

	decision := s.quota.Check(acc)
	r.to(StateQuotaChecked)

	if decision == Rejected {
		r.to(StateRejected)
		if _, err := s.history.Append(ctx, chatID, acc.ID, text, true); err != nil {
			return s.fail(r, upstreamStore, err)
		}
		if err := s.gateway.SendMessage(ctx, chatID, LimitedNotice); err != nil {
			return s.fail(r, upstreamDelivery, newError(ErrorDeliveryFailed, "limit_notice_error", err))
		}
		r.delivered = true
		r.to(StateNotifiedLimited)
		logger.Info("relay: usage limit reached", "usage", acc.UsageCount, "limit", s.quota.Limit())
		return s.finish(r, OutcomeLimited, acc.UsageCount), nil
	}
	r.to(StateAllowed)

	inbound, err := s.history.Append(ctx, chatID, acc.ID, text, true)
	if err != nil {
		return s.fail(r, upstreamStore, err)
	}
	prior, err := s.history.PriorWindow(ctx, inbound, s.window)
	if err != nil {
		return s.fail(r, upstreamStore, err)
	}
	r.to(StateHistoryLoaded)

	started := s.now()
	reply, err := s.llm.Chat(ctx, buildPromptMessages(s.systemPrompt, prior, text))
	s.metrics.ObserveCompletionLatency(s.now().Sub(started))
	if err != nil {
		return s.fail(r, upstreamCompletion, newError(ErrorCompletionFailed, "completion_error", err))
	}
	if strings.TrimSpace(reply) == "" {
		return s.fail(r, upstreamCompletion, newError(ErrorCompletionFailed, "completion_empty_reply", nil))
	}
	r.to(StateCompleted)

	if err := s.gateway.SendMessage(ctx, chatID, reply); err != nil {
		return s.fail(r, upstreamDelivery, newError(ErrorDeliveryFailed, "reply_delivery_error", err))
	}
	r.delivered = true
	r.to(StateDelivered)

	// From here on the user already has the reply; failures leave history or
	// quota behind what was delivered.
	if _, err := s.history.Append(ctx, chatID, acc.ID, reply, false); err != nil {
		logger.Warn("relay: reply delivered but not persisted", "err", err)
		return s.fail(r, upstreamStore, err)
	}
	r.to(StatePersisted)

	usage, err := s.quota.Increment(ctx, acc)
	if err != nil {
		s.metrics.ObserveUpstreamError(upstreamStore)
		logger.Warn("relay: reply delivered but usage not incremented", "err", err)
		return s.finish(r, OutcomeReplied, acc.UsageCount), nil
	}
	r.to(StateQuotaIncremented)
	logger.Info("relay: reply delivered", "usage", usage)
	return s.finish(r, OutcomeReplied, usage), nil
}

func (s *RelayService) finish(r *run, outcome Outcome, usage int) Result {
	r.to(StateDone)
	s.metrics.ObserveOutcome(string(outcome))
	return Result{State: StateDone, Outcome: outcome, Trace: r.trace, UsageCount: usage}
}

func (s *RelayService) fail(r *run, upstream string, err error) (Result, error) {
	r.to(StateFailed)
	s.metrics.ObserveUpstreamError(upstream)
	s.metrics.ObserveOutcome(string(OutcomeFailed))
	return Result{State: StateFailed, Outcome: OutcomeFailed, Trace: r.trace}, err
}
