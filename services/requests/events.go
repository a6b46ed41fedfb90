package requests

import (
	"context"

	"github.com/rideloka/geocell/internal/pkg/constants"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/internal/pkg/nsq"
)

// NSQEventGateway publishes request lifecycle events to NSQ so downstream
// consumers (analytics, notifications) can react without polling the store.
type NSQEventGateway struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQEventGateway connects a producer to the given nsqd address. An empty
// topic falls back to the default lifecycle topic.
func NewNSQEventGateway(cfg models.NSQConfig, appLogger *logger.AppLogger) (*NSQEventGateway, error) {
	producer, err := nsq.NewProducer(cfg.Address)
	if err != nil {
		return nil, err
	}
	topic := cfg.Topic
	if topic == "" {
		topic = constants.TopicRequestLifecycle
	}
	appLogger.WithComponent("requests.events").
		WithField("topic", topic).
		Info("NSQ event gateway connected")
	return &NSQEventGateway{producer: producer, topic: topic}, nil
}

// PublishRequestEvent implements EventPublisher.
func (g *NSQEventGateway) PublishRequestEvent(ctx context.Context, event *models.RequestEvent) error {
	return g.producer.Publish(g.topic, event)
}

// Close stops the underlying producer.
func (g *NSQEventGateway) Close() {
	g.producer.Stop()
}
