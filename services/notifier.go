package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pubnub "github.com/pubnub/go"

	"activity-queue/config"
	"activity-queue/models"
)

// Publisher delivers QueueFulfilled to whoever runs the event.
type Publisher interface {
	PublishQueueFulfilled(ctx context.Context, evt models.QueueFulfilled, owners []string) error
}

func queueChannel(queueID string) string { return fmt.Sprintf("queue-%s", queueID) }
func ownerChannel(ownerID string) string { return fmt.Sprintf("event-owner-%s", ownerID) }

// NewPubNubClient builds the client from config, the same way for every
// command that publishes.
func NewPubNubClient(cfg *config.Config) *pubnub.PubNub {
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pnConfig.UUID = cfg.PubNubUserID

	return pubnub.NewPubNub(pnConfig)
}

type PubNubPublisher struct {
	publish func(channel string, message map[string]any) error
	logger  *slog.Logger
}

func NewPubNubPublisher(pn *pubnub.PubNub, logger *slog.Logger) *PubNubPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubNubPublisher{
		publish: func(channel string, message map[string]any) error {
			_, _, err := pn.Publish().
				Channel(channel).
				Message(message).
				Execute()
			return err
		},
		logger: logger,
	}
}

// PublishQueueFulfilled notifies the queue channel and each owner channel.
// Every channel is attempted even if an earlier one fails.
func (p *PubNubPublisher) PublishQueueFulfilled(ctx context.Context, evt models.QueueFulfilled, owners []string) error {
	message := map[string]any{
		"type":          "queue_fulfilled",
		"queue_id":      evt.QueueID,
		"event_id":      evt.EventID,
		"final_user_id": evt.FinalUserID,
		"fulfilled_at":  evt.FulfilledAt.Format(time.RFC3339),
	}

	channels := append([]string{queueChannel(evt.QueueID)}, mapOwners(owners)...)

	var errs []error
	for _, ch := range channels {
		if err := p.publish(ch, message); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", ch, err))
		}
	}
	if len(errs) == 0 {
		p.logger.Debug("queue fulfilled published", "queue_id", evt.QueueID, "channels", len(channels))
	}
	return errors.Join(errs...)
}

func mapOwners(owners []string) []string {
	out := make([]string, 0, len(owners))
	for _, o := range owners {
		out = append(out, ownerChannel(o))
	}
	return out
}

// LogPublisher only logs. Used when PubNub is not configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishQueueFulfilled(ctx context.Context, evt models.QueueFulfilled, owners []string) error {
	p.logger.Info("queue fulfilled",
		"queue_id", evt.QueueID,
		"event_id", evt.EventID,
		"final_user_id", evt.FinalUserID,
		"owners", owners,
	)
	return nil
}
