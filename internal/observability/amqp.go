package observability

import (
	"context"

	"conversation-service/internal/rabbitmq"
)

var defaultPublisher rabbitmq.Publisher

func SetPublisher(publisher rabbitmq.Publisher) {
	defaultPublisher = publisher
}

func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.Publish(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
