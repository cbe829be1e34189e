package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

var _ interfaces.NotificationSink = (*GatewaySink)(nil)

// Publisher is the JetStream publish call. nats.JetStreamContext satisfies it.
type Publisher interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// GatewayConfig locates the JetStream stream consumed by the push gateway.
type GatewayConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Timeout       time.Duration
}

// DefaultGatewayConfig returns local development settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		URL:           nats.DefaultURL,
		Stream:        "NOTIFICATIONS",
		SubjectPrefix: "rendezvous.notifications",
		Timeout:       3 * time.Second,
	}
}

// GatewaySink publishes every notification event to JetStream for the
// external push gateway. Refreshes of the same row publish again under a new
// message id so the gateway re-surfaces them.
type GatewaySink struct {
	js      Publisher
	prefix  string
	timeout time.Duration
	nc      *nats.Conn
	logger  *zap.Logger
}

// NewGatewaySink wraps an existing publisher.
func NewGatewaySink(js Publisher, config GatewayConfig, logger *zap.Logger) *GatewaySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	return &GatewaySink{
		js:      js,
		prefix:  strings.TrimSuffix(config.SubjectPrefix, "."),
		timeout: config.Timeout,
		logger:  logger,
	}
}

// ConnectGateway dials NATS, makes sure the stream exists and returns a sink
// that owns the connection.
func ConnectGateway(config GatewayConfig, logger *zap.Logger) (*GatewaySink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(config.URL,
		nats.Name("rendezvous"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats: connect")
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "nats: jetstream context")
	}
	if err := EnsureStream(js, config.Stream, config.SubjectPrefix); err != nil {
		nc.Close()
		return nil, err
	}

	sink := NewGatewaySink(js, config, logger)
	sink.nc = nc
	return sink, nil
}

// StreamManager is the part of nats.JetStreamManager EnsureStream uses.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureStream creates the notifications stream unless it already exists.
func EnsureStream(js StreamManager, stream, subjectPrefix string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrap(err, "nats: stream info")
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{strings.TrimSuffix(subjectPrefix, ".") + ".>"},
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	return errors.Wrap(err, "nats: add stream")
}

func (s *GatewaySink) Name() string { return "gateway" }

// Subject returns the subject events of type t are published on.
func (s *GatewaySink) Subject(t types.NotificationType) string {
	return s.prefix + "." + string(t)
}

// MsgID is the JetStream dedupe id for event. It changes whenever the row is
// refreshed.
func MsgID(event types.NotificationEvent) string {
	return fmt.Sprintf("%s:%d", event.Notification.ID, event.Notification.CreatedAt.UnixNano())
}

// Deliver publishes event and waits for the stream ack.
func (s *GatewaySink) Deliver(ctx context.Context, event types.NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "gateway: marshal event")
	}

	msg := nats.NewMsg(s.Subject(event.Notification.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, MsgID(event))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ack, err := s.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return errors.Wrap(err, "gateway: publish")
	}
	s.logger.Debug("notification published",
		zap.String("stream", ack.Stream),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// Close drains the NATS connection when the sink owns one.
func (s *GatewaySink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
