package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/pkg/logger"
)

// errRollback discards the transaction of an event that must not be admitted,
// so an operator can replay it once local state is repaired.
var errRollback = errors.New("billing: rollback")

// HandleWebhook verifies a raw webhook body and applies it.
// Signature failures return an error wrapping ErrSignatureInvalid and change nothing.
// Any other returned error means the event was not admitted and the provider
// should redeliver it.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	ev, err := s.provider.VerifyWebhook(ctx, payload, signature)
	if errors.Is(err, ErrInvalidEvent) && !errors.Is(err, ErrSignatureInvalid) {
		// Authentic but undecodable. Acknowledge so the provider stops redelivering.
		s.metrics.recordWebhook(EventUnhandled, OutcomeIgnored)
		s.logger.WarnContext(ctx, "undecodable webhook acknowledged", logger.Provider(s.provider.Name()), logger.Error(err))
		return OutcomeIgnored, nil
	}
	if err != nil {
		s.metrics.recordWebhook("unverified", OutcomeRejected)
		s.logger.WarnContext(ctx, "webhook rejected", logger.Provider(s.provider.Name()), logger.Error(err))
		if !errors.Is(err, ErrSignatureInvalid) {
			err = fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
		return OutcomeRejected, err
	}

	if ev.Kind != EventUnhandled {
		if err := s.archive.Archive(ctx, ev.Provider, ev.ID, payload); err != nil {
			s.logger.WarnContext(ctx, "failed to archive webhook payload", logger.EventID(ev.ID), logger.Error(err))
		}
	}

	return s.Apply(ctx, *ev)
}

// Apply runs a verified event through the idempotency guard and the state machine.
// Admission, the subscription write and the ledger append share one transaction.
// A concurrent update of the same row is retried once with a freshly read state.
func (s *Service) Apply(ctx context.Context, ev Event) (Outcome, error) {
	log := s.logger.With(
		logger.EventID(ev.ID),
		logger.EventKind(string(ev.Kind)),
		logger.Provider(ev.Provider),
		logger.ProviderSubscriptionID(ev.ProviderSubscriptionID),
	)

	if ev.Kind == EventUnhandled {
		log.InfoContext(ctx, "unhandled webhook event acknowledged", slog.String("provider_type", ev.ProviderType))
		s.metrics.recordWebhook(ev.Kind, OutcomeIgnored)
		return OutcomeIgnored, nil
	}
	if err := ev.Validate(); err != nil {
		log.WarnContext(ctx, "invalid webhook event acknowledged", slog.String("provider_type", ev.ProviderType), logger.Error(err))
		s.metrics.recordWebhook(ev.Kind, OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	var (
		dec Decision
		err error
	)
	for attempt := range 2 {
		dec, err = s.applyOnce(ctx, ev)
		if !errors.Is(err, ErrConcurrentUpdate) {
			break
		}
		log.InfoContext(ctx, "subscription changed concurrently", slog.Int("attempt", attempt+1))
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to apply webhook event", logger.Error(err))
		return "", fmt.Errorf("failed to apply webhook event %s: %w", ev.ID, err)
	}

	s.metrics.recordWebhook(ev.Kind, dec.Outcome)
	s.report(ctx, log, dec)

	if ev.Kind == EventCheckoutCompleted || dec.Create != nil {
		s.clearPending(ctx, log, ev, dec)
	}

	return dec.Outcome, nil
}

func (s *Service) applyOnce(ctx context.Context, ev Event) (Decision, error) {
	var dec Decision
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		admitted, err := tx.AdmitEvent(ctx, ev.ID, s.now().UTC())
		if err != nil {
			return fmt.Errorf("admit event: %w", err)
		}
		if !admitted {
			dec = Decision{Outcome: OutcomeDuplicate, Reason: "event already processed"}
			return nil
		}

		current, err := tx.GetByProviderID(ctx, ev.ProviderSubscriptionID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			current = nil
		} else if err != nil {
			return fmt.Errorf("load subscription: %w", err)
		}

		dec = s.machine.Decide(current, ev)

		switch {
		case dec.Outcome == OutcomeDesync:
			return errRollback

		case dec.Create != nil:
			created, err := tx.UpsertOnCheckoutCompleted(ctx, dec.Create)
			if errors.Is(err, ErrAlreadySubscribed) {
				dec = Decision{Outcome: OutcomeDesync, Reason: "user already has another open subscription"}
				return errRollback
			}
			if err != nil {
				return fmt.Errorf("create subscription: %w", err)
			}
			if !created {
				// Another delivery created the row after our read. Only a repeated
				// checkout is a duplicate; any other event must be decided again
				// against the committed row.
				if ev.Kind != EventCheckoutCompleted {
					return ErrConcurrentUpdate
				}
				dec = Decision{Outcome: OutcomeDuplicate, Reason: "subscription already recorded"}
			}

		case dec.Update != nil:
			dec.Update.UpdatedAt = s.now().UTC()
			if err := tx.ApplyTransition(ctx, dec.Update, current.Version); err != nil {
				return err
			}
		}

		if dec.Payment != nil {
			inserted, err := tx.InsertPaymentIfAbsent(ctx, dec.Payment)
			if err != nil {
				return fmt.Errorf("record payment: %w", err)
			}
			if !inserted && dec.Update == nil {
				dec.Outcome = OutcomeDuplicate
				dec.Reason = "payment already recorded"
			}
		}
		return nil
	})
	if errors.Is(err, errRollback) {
		return dec, nil
	}
	return dec, err
}

func (s *Service) report(ctx context.Context, log *slog.Logger, dec Decision) {
	attrs := []any{logger.Outcome(string(dec.Outcome))}
	if dec.Reason != "" {
		attrs = append(attrs, slog.String("reason", dec.Reason))
	}
	if sub := dec.Create; sub != nil {
		attrs = append(attrs, logger.UserID(sub.UserID), slog.String("status", string(sub.Status)))
	}
	if sub := dec.Update; sub != nil {
		attrs = append(attrs, logger.UserID(sub.UserID), slog.String("status", string(sub.Status)))
	}

	switch dec.Outcome {
	case OutcomeDesync:
		log.WarnContext(ctx, "billing desync: event does not match local state, operator reconciliation required", attrs...)
	case OutcomeDuplicate:
		log.DebugContext(ctx, "webhook event already applied", attrs...)
	default:
		log.InfoContext(ctx, "webhook event processed", attrs...)
	}
}

func (s *Service) clearPending(ctx context.Context, log *slog.Logger, ev Event, dec Decision) {
	userID := ev.UserID
	if dec.Create != nil {
		userID = dec.Create.UserID
	}
	if userID == uuid.Nil {
		return
	}
	if err := s.pending.Clear(ctx, userID); err != nil {
		log.WarnContext(ctx, "failed to clear pending checkout", logger.UserID(userID), logger.Error(err))
	}
}
