// Package billing adapts raw Stripe webhook events into the normalized
// payment events the reward engine consumes. Signature verification happens
// here; no gateway call is ever made inside a ledger transaction.
package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/reward"
)

// Service verifies and dispatches Stripe webhook events.
type Service struct {
	reward        *reward.Service
	webhookSecret string
	log           logger.Logger
}

// NewService creates a Stripe webhook adapter.
func NewService(rewardService *reward.Service, webhookSecret string, log logger.Logger) *Service {
	return &Service{reward: rewardService, webhookSecret: webhookSecret, log: log}
}

// HandleWebhook verifies the payload signature and routes the event. Events
// this service does not care about are acknowledged and skipped.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (models.RewardOutcome, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return models.RewardOutcome{}, fmt.Errorf("webhook signature verification failed: %w", err)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		return s.handlePaymentSucceeded(ctx, event)
	case "charge.refunded":
		return s.handleChargeRefunded(ctx, event)
	default:
		s.log.Debug("ignoring stripe event", "type", event.Type)
		return models.RewardOutcome{Kind: models.RewardNone}, nil
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event stripe.Event) (models.RewardOutcome, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return models.RewardOutcome{}, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	userID, err := userIDFromMetadata(intent.Metadata)
	if err != nil {
		return models.RewardOutcome{}, err
	}

	return s.reward.OnPaymentSucceeded(ctx, reward.PaymentEvent{
		ExternalPaymentID: intent.ID,
		UserID:            userID,
		AmountMinor:       intent.Amount,
		Currency:          string(intent.Currency),
	})
}

func (s *Service) handleChargeRefunded(ctx context.Context, event stripe.Event) (models.RewardOutcome, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return models.RewardOutcome{}, fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if charge.PaymentIntent == nil {
		return models.RewardOutcome{}, fmt.Errorf("refunded charge %s has no payment intent", charge.ID)
	}

	return s.reward.OnRefund(ctx, charge.PaymentIntent.ID)
}

// userIDFromMetadata extracts the internal user id set at checkout time.
func userIDFromMetadata(metadata map[string]string) (uuid.UUID, error) {
	raw, ok := metadata["user_id"]
	if !ok {
		return uuid.Nil, fmt.Errorf("user_id not found in metadata")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user_id in metadata: %w", err)
	}
	return userID, nil
}
