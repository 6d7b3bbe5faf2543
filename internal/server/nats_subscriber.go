package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ezviz-cas/cas-bridge/internal/control"
	"github.com/ezviz-cas/cas-bridge/internal/models"
)

const (
	// SubjectDefenceSet receives {"enable":0|1}; the serial is the third token
	SubjectDefenceSet = "cas.device.*.defence.set"

	queueGroup = "cas-bridge"
)

// DefenceSetter runs a defence request. *control.Service implements it.
type DefenceSetter interface {
	SetDefence(ctx context.Context, req control.Request) (*models.DefenceCommand, error)
}

// DefenceSetRequest is the payload of a defence.set message
type DefenceSetRequest struct {
	Enable      *int   `json:"enable"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// DefenceSetReply answers a defence.set request
type DefenceSetReply struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	CommandID string `json:"commandId,omitempty"`
}

// NATSSubscriber NATS subscriber
type NATSSubscriber struct {
	nc      *nats.Conn
	service DefenceSetter
	timeout time.Duration
	subs    []*nats.Subscription
	ready   chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewNATSSubscriber creates NATS subscriber. timeout bounds one command.
func NewNATSSubscriber(nc *nats.Conn, service DefenceSetter, timeout time.Duration) *NATSSubscriber {
	return &NATSSubscriber{
		nc:      nc,
		service: service,
		timeout: timeout,
		subs:    make([]*nats.Subscription, 0),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Start has subscribed
func (s *NATSSubscriber) Ready() <-chan struct{} {
	return s.ready
}

// Start subscribes and blocks until ctx is done. Commands already running
// are allowed to finish, bounded by the per-command timeout, before Start
// returns.
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(SubjectDefenceSet, queueGroup, func(msg *nats.Msg) {
		s.dispatch(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe defence set: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("subject", SubjectDefenceSet).
		Msg("NATS subscriber started")
	close(s.ready)

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.drain()

	return ctx.Err()
}

// dispatch runs msg in its own goroutine. A command that reached the
// device proxy is not abandoned on shutdown, so handlers do not inherit
// cancellation from ctx.
func (s *NATSSubscriber) dispatch(ctx context.Context, msg *nats.Msg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Warn().Str("subject", msg.Subject).Msg("Dropping defence request during shutdown")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.handleDefenceSet(context.WithoutCancel(ctx), msg)
	}()
}

// drain stops accepting messages and waits for running handlers
func (s *NATSSubscriber) drain() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
}

// handleDefenceSet handles defence.set requests
func (s *NATSSubscriber) handleDefenceSet(ctx context.Context, msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received defence set request")

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply := HandleDefenceSet(ctx, s.service, msg.Subject, msg.Data)

	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal defence reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to respond to defence request")
	}
}

// HandleDefenceSet decodes one request, runs it and builds the reply
func HandleDefenceSet(ctx context.Context, service DefenceSetter, subject string, data []byte) DefenceSetReply {
	serial, err := serialFromSubject(subject)
	if err != nil {
		return DefenceSetReply{Error: err.Error(), Kind: control.KindInvalidInput.String()}
	}

	var req DefenceSetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return DefenceSetReply{Error: fmt.Sprintf("invalid payload: %v", err), Kind: control.KindInvalidInput.String()}
	}
	if req.Enable == nil {
		return DefenceSetReply{Error: "enable is required", Kind: control.KindInvalidInput.String()}
	}

	cmd, err := service.SetDefence(ctx, control.Request{
		Serial:      serial,
		Enable:      *req.Enable,
		Source:      models.SourceNATS,
		RequestedBy: req.RequestedBy,
	})

	var reply DefenceSetReply
	if cmd != nil {
		reply.CommandID = cmd.ID.String()
		reply.Success = cmd.Success
	}
	if err != nil {
		reply.Success = false
		reply.Error = err.Error()
		reply.Kind = control.Classify(err).String()
	}
	return reply
}

// serialFromSubject extracts <serial> from cas.device.<serial>.defence.set
func serialFromSubject(subject string) (string, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) != 5 || tokens[0] != "cas" || tokens[1] != "device" || tokens[3] != "defence" || tokens[4] != "set" {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	if tokens[2] == "" {
		return "", fmt.Errorf("empty serial in subject %q", subject)
	}
	return tokens[2], nil
}
