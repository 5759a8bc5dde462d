package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// NSQHandler consumes envelopes from a topic. Every message is finished:
// the relay is at most once, so a bad or undeliverable event is never requeued.
type NSQHandler struct {
	sink   Sink
	logger *logging.Logger
}

// NewNSQHandler returns a handler that submits to sink
func NewNSQHandler(sink Sink, logger *logging.Logger) *NSQHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &NSQHandler{sink: sink, logger: logger}
}

// HandleMessage implements nsq.Handler
func (h *NSQHandler) HandleMessage(m *nsq.Message) error {
	var env Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		h.logger.Plain().WithError(err).WithField("nsq_id", string(m.ID[:])).Error("bad envelope payload")
		return nil
	}

	ctx := tracing.ExtractMap(context.Background(), env.TraceHeaders)
	if _, err := env.Deliver(ctx, h.sink); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("kind", env.Kind).Error("bad event in envelope")
	}
	return nil
}

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Publish sends an envelope to topic
func Publish(p Publisher, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.Publish(topic, body); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}

// NewConsumer connects an NSQHandler to topic/channel. Either lookupdAddr or
// nsqdAddr must be set; lookupd wins when both are.
func NewConsumer(topic, channel, nsqdAddr, lookupdAddr string, maxInFlight int, h *NSQHandler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = maxInFlight
	consumer, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(h)

	switch {
	case lookupdAddr != "":
		err = consumer.ConnectToNSQLookupd(lookupdAddr)
	case nsqdAddr != "":
		err = consumer.ConnectToNSQD(nsqdAddr)
	default:
		err = fmt.Errorf("no nsqd or nsqlookupd address")
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("nsq connect: %w", err)
	}
	return consumer, nil
}
