package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"example.com/fleetware/services/rollout/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// Event types published to the rollout events queue
const (
	EventFirmwareRegistered = "firmware.registered"

	EventCampaignCreated    = "campaign.created"
	EventCampaignStarted    = "campaign.started"
	EventCampaignPaused     = "campaign.paused"
	EventCampaignResumed    = "campaign.resumed"
	EventCampaignCancelled  = "campaign.cancelled"
	EventCampaignCompleted  = "campaign.completed"
	EventCampaignRolledBack = "campaign.rolled_back"

	EventUpdateScheduled = "update.scheduled"
	EventUpdateStarted   = "update.started"
	EventUpdateSucceeded = "update.succeeded"
	EventUpdateFailed    = "update.failed"
	EventUpdateCancelled = "update.cancelled"

	EventRollbackInitiated = "rollback.initiated"
	EventRollbackCompleted = "rollback.completed"
)

// EventPublisher is an interface for publishing rollout lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, sessionID string, payload interface{}) error
	Close() error
}

// serviceBusPublisher implements EventPublisher over Azure Service Bus
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// mockPublisher is a mock implementation for local development
type mockPublisher struct{}

// NewEventPublisher creates a Service Bus publisher, or a mock one when no
// connection string is configured.
func NewEventPublisher(cfg config.ServiceBusConfig) (EventPublisher, error) {
	if cfg.ConnectionString == "" {
		return &mockPublisher{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// generateSessionID generates a random session ID if none is provided
func generateSessionID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// Publish sends an event to the queue. The session ID keeps events for the
// same campaign or device ordered.
func (s *serviceBusPublisher) Publish(ctx context.Context, eventType string, sessionID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	if sessionID == "" {
		sessionID = generateSessionID()
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"event": eventType,
			"time":  time.Now().UTC().Format(time.RFC3339),
		},
		SessionID: &sessionID,
	}

	return s.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus sender and client
func (s *serviceBusPublisher) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}

// Publish implementation for the mock publisher
func (m *mockPublisher) Publish(ctx context.Context, eventType string, sessionID string, payload interface{}) error {
	fmt.Printf("[MOCK ServiceBus] %s (session %s): %+v\n", eventType, sessionID, payload)
	return nil
}

// Close implementation for the mock publisher
func (m *mockPublisher) Close() error {
	return nil
}
