package notify

import (
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewGoChannel returns an in-process pub/sub. It serves as both publisher and
// subscriber, which makes it the default for single-node deployments and tests.
func NewGoChannel(logger *slog.Logger, buffer int64) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, watermill.NewSlogLogger(logger))
}

// NewKafkaPublisher connects a publisher to the given brokers.
func NewKafkaPublisher(brokers []string, logger *slog.Logger) (*kafka.Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: cfg,
		OTELEnabled:           true,
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return pub, nil
}
