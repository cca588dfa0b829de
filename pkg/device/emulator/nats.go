package emulator

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/device/protocol"
)

// SubjectPrefix prefixes the request subject of every device.
const SubjectPrefix = "riskcell.device."

// Subject returns the request subject of a device.
func Subject(device string) string {
	return SubjectPrefix + device
}

// NATSService answers device requests published on a NATS subject.
type NATSService struct {
	handler Handler
	subject string
	logger  zerolog.Logger
	sub     *nats.Subscription
}

// NewNATSService creates a service for handler on subject. An empty subject
// defaults to Subject(handler.Device()).
func NewNATSService(handler Handler, subject string, logger zerolog.Logger) *NATSService {
	if subject == "" {
		subject = Subject(handler.Device())
	}
	return &NATSService{
		handler: handler,
		subject: subject,
		logger:  logger.With().Str("component", handler.Device()+"_emulator").Str("subject", subject).Logger(),
	}
}

// Start subscribes to the service subject. Requests are served one at a time
// until ctx ends or Stop is called.
func (s *NATSService) Start(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(s.subject, s.handler.Device(), func(msg *nats.Msg) {
		reply := s.Reply(ctx, msg.Data)
		if err := msg.Respond(reply); err != nil {
			s.logger.Error().Err(err).Msg("Failed to send reply")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.Info().Msg("Emulator service started")
	return nil
}

// Stop unsubscribes the service.
func (s *NATSService) Stop() error {
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Reply answers one wire request with a wire RESP or ERROR message.
func (s *NATSService) Reply(ctx context.Context, data []byte) []byte {
	reply, err := s.reply(ctx, data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejected request")
		out, merr := protocol.Marshal(protocol.MessageTypeError, &protocol.ErrorMessage{
			Code:    "BAD_REQUEST",
			Message: err.Error(),
		})
		if merr != nil {
			return nil
		}
		return out
	}
	return reply
}

func (s *NATSService) reply(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	req, err := protocol.ParseRequest(msg)
	if err != nil {
		return nil, err
	}
	if req.Device != s.handler.Device() {
		return nil, fmt.Errorf("request for %s sent to %s", req.Device, s.handler.Device())
	}
	resp, err := s.handler.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(protocol.MessageTypeResponse, resp)
}
