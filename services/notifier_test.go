package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-queue/config"
	"activity-queue/models"
)

type publishedMessage struct {
	channel string
	message map[string]any
}

func setupTestPublisher(fail map[string]bool) (*PubNubPublisher, *[]publishedMessage) {
	var sent []publishedMessage
	p := &PubNubPublisher{
		publish: func(channel string, message map[string]any) error {
			sent = append(sent, publishedMessage{channel: channel, message: message})
			if fail[channel] {
				return errors.New("publish rejected")
			}
			return nil
		},
		logger: NewLogPublisher(nil).logger,
	}
	return p, &sent
}

func TestPubNubPublisher_Channels(t *testing.T) {
	p, sent := setupTestPublisher(nil)
	evt := models.QueueFulfilled{
		QueueID:     "q1",
		EventID:     "e1",
		FinalUserID: "u2",
		FulfilledAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	err := p.PublishQueueFulfilled(context.Background(), evt, []string{"alice", "bob"})

	require.NoError(t, err)
	require.Len(t, *sent, 3)
	assert.Equal(t, "queue-q1", (*sent)[0].channel)
	assert.Equal(t, "event-owner-alice", (*sent)[1].channel)
	assert.Equal(t, "event-owner-bob", (*sent)[2].channel)

	msg := (*sent)[0].message
	assert.Equal(t, "queue_fulfilled", msg["type"])
	assert.Equal(t, "e1", msg["event_id"])
	assert.Equal(t, "u2", msg["final_user_id"])
	assert.Equal(t, "2025-06-01T12:00:00Z", msg["fulfilled_at"])
}

func TestPubNubPublisher_ContinuesAfterFailure(t *testing.T) {
	p, sent := setupTestPublisher(map[string]bool{"queue-q1": true})

	err := p.PublishQueueFulfilled(context.Background(), models.QueueFulfilled{QueueID: "q1"}, []string{"alice"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "queue-q1")
	assert.Len(t, *sent, 2, "owner channel still attempted")
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(nil)
	assert.NoError(t, p.PublishQueueFulfilled(context.Background(), models.QueueFulfilled{QueueID: "q1"}, nil))
}

func TestNewPubNubClient(t *testing.T) {
	cfg := &config.Config{
		PubNubPublishKey:   "pub-c-test",
		PubNubSubscribeKey: "sub-c-test",
		PubNubUserID:       "activity-queue-test",
	}

	pn := NewPubNubClient(cfg)

	assert.NotNil(t, pn)
}
