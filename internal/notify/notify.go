// Package notify delivers approval notifications to external channels.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/pkg/schema"
)

// TopicPrefix is prepended to the channel name to form the publish topic.
const TopicPrefix = "playbook.approvals."

// Metadata keys set on every published message.
const (
	MetadataRequestID   = "request_id"
	MetadataExecutionID = "execution_id"
	MetadataChannel     = "channel"
)

// Message is the payload published for one channel.
type Message struct {
	RequestID       string            `json:"requestId"`
	ExecutionID     string            `json:"executionId"`
	NodeID          string            `json:"nodeId"`
	Summary         string            `json:"summary,omitempty"`
	Channel         string            `json:"channel"`
	Recipients      []schema.Approver `json:"recipients"`
	TimeoutAt       time.Time         `json:"timeoutAt"`
	EscalationLevel int               `json:"escalationLevel,omitempty"`
}

// Topic returns the topic a channel publishes on.
func Topic(channel string) string { return TopicPrefix + channel }

// PubSubNotifier publishes one message per channel on a watermill publisher.
type PubSubNotifier struct {
	pub    message.Publisher
	logger *slog.Logger
}

var _ engine.Notifier = (*PubSubNotifier)(nil)

// NewPubSubNotifier wraps pub. A nil logger uses slog.Default.
func NewPubSubNotifier(pub message.Publisher, logger *slog.Logger) *PubSubNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubNotifier{pub: pub, logger: logger}
}

// Notify publishes to each channel and reports delivered or failed per channel.
func (p *PubSubNotifier) Notify(ctx context.Context, n engine.Notification) map[string]schema.DeliveryStatus {
	out := make(map[string]schema.DeliveryStatus, len(n.Channels))
	for _, ch := range n.Channels {
		if ctx.Err() != nil {
			out[ch] = schema.DeliveryFailed
			continue
		}
		msg, err := p.message(n, ch)
		if err == nil {
			msg.SetContext(ctx)
			err = p.pub.Publish(Topic(ch), msg)
		}
		if err != nil {
			p.logger.WarnContext(ctx, "publish approval notification",
				slog.String("channel", ch), slog.String("request_id", n.RequestID), slog.Any("error", err))
			out[ch] = schema.DeliveryFailed
			continue
		}
		out[ch] = schema.DeliveryDelivered
	}
	return out
}

// Close closes the underlying publisher.
func (p *PubSubNotifier) Close() error { return p.pub.Close() }

func (p *PubSubNotifier) message(n engine.Notification, ch string) (*message.Message, error) {
	payload, err := json.Marshal(Message{
		RequestID:       n.RequestID,
		ExecutionID:     n.ExecutionID,
		NodeID:          n.NodeID,
		Summary:         n.Summary,
		Channel:         ch,
		Recipients:      recipients(n.Approvers, ch),
		TimeoutAt:       n.TimeoutAt,
		EscalationLevel: n.EscalationLevel,
	})
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataRequestID, n.RequestID)
	msg.Metadata.Set(MetadataExecutionID, n.ExecutionID)
	msg.Metadata.Set(MetadataChannel, ch)
	return msg, nil
}

// recipients returns the approvers reachable on ch.
func recipients(approvers []schema.Approver, ch string) []schema.Approver {
	var out []schema.Approver
	for _, a := range approvers {
		for _, c := range a.Channels {
			if c == ch {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// LogNotifier writes notifications to the log and reports them delivered.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n engine.Notification) map[string]schema.DeliveryStatus {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]schema.DeliveryStatus, len(n.Channels))
	for _, ch := range n.Channels {
		logger.InfoContext(ctx, "approval requested",
			slog.String("channel", ch),
			slog.String("request_id", n.RequestID),
			slog.String("node_id", n.NodeID),
			slog.Int("recipients", len(recipients(n.Approvers, ch))),
			slog.Time("timeout_at", n.TimeoutAt))
		out[ch] = schema.DeliveryDelivered
	}
	return out
}

// Mux routes each channel to the notifier registered for it, falling back
// to Default. Channels with no route are reported skipped.
type Mux struct {
	Routes  map[string]engine.Notifier
	Default engine.Notifier
}

func (m *Mux) Notify(ctx context.Context, n engine.Notification) map[string]schema.DeliveryStatus {
	out := make(map[string]schema.DeliveryStatus, len(n.Channels))
	for _, ch := range n.Channels {
		target, ok := m.Routes[ch]
		if !ok {
			target = m.Default
		}
		if target == nil {
			out[ch] = schema.DeliverySkipped
			continue
		}
		sub := n
		sub.Channels = []string{ch}
		st, ok := target.Notify(ctx, sub)[ch]
		if !ok {
			st = schema.DeliveryFailed
		}
		out[ch] = st
	}
	return out
}
