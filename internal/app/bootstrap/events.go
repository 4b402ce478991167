package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	amqp "github.com/rabbitmq/amqp091-go"

	appconfig "github.com/wolfman30/trial-scheduling-engine/internal/config"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// BuildEventPublisher selects where outbox events are delivered. The
// returned closer releases the transport and is never nil.
func BuildEventPublisher(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (events.DeliveryHandler, func(), error) {
	noop := func() {}
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch transport := strings.ToLower(strings.TrimSpace(cfg.EventTransport)); transport {
	case "", "log":
		return events.NewLogPublisher(logger), noop, nil

	case "sqs":
		if cfg.EventQueueURL == "" {
			return nil, noop, fmt.Errorf("bootstrap: EVENT_QUEUE_URL is required for sqs")
		}
		return events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.EventQueueURL), noop, nil

	case "nats":
		url := cfg.NATSURL
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url, nats.Name("trialsched-outbox"))
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: nats connect: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, noop, fmt.Errorf("bootstrap: jetstream: %w", err)
		}
		return events.NewNATSPublisher(js, cfg.NATSSubjectPrefix), func() { _ = nc.Drain() }, nil

	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, noop, fmt.Errorf("bootstrap: KAFKA_BROKERS is required for kafka")
		}
		w := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		return events.NewKafkaPublisher(w), func() {
			if err := w.Close(); err != nil {
				logger.Warn("kafka writer close failed", "error", err)
			}
		}, nil

	case "amqp", "rabbitmq":
		if cfg.AMQPURL == "" {
			return nil, noop, fmt.Errorf("bootstrap: AMQP_URL is required for amqp")
		}
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, noop, fmt.Errorf("bootstrap: amqp channel: %w", err)
		}
		if err := ch.ExchangeDeclare(cfg.AMQPExchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, noop, fmt.Errorf("bootstrap: amqp exchange: %w", err)
		}
		return events.NewAMQPPublisher(ch, cfg.AMQPExchange), func() {
			_ = ch.Close()
			_ = conn.Close()
		}, nil
	}
	return nil, noop, fmt.Errorf("bootstrap: unknown EVENT_TRANSPORT %q", cfg.EventTransport)
}
