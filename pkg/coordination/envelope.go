package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autonode/pkg/broadcast"
	"autonode/pkg/metrics"
)

// TypeCommand is the only envelope type the coordinators emit or accept.
const TypeCommand = "COMMAND"

// Action identifies the protocol message carried by an envelope.
type Action string

const (
	ActionClaimAnnounce Action = "CLAIM_ANNOUNCE"
	ActionCollectQuery  Action = "COLLECT_QUERY"
	ActionCollectReply  Action = "COLLECT_REPLY"
)

// Envelope is the wire form of every coordination message.
type Envelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Action Action          `json:"action"`
	Sender string          `json:"sender,omitempty"`
	Body   json.RawMessage `json:"body"`
}

// ClaimAnnouncement is broadcast once per claim attempt.
type ClaimAnnouncement struct {
	Hash uint64 `json:"hash"` // object key
	Time int64  `json:"time"` // priority, lower wins
}

// CollectQuery asks peers for the value stored under Key.
type CollectQuery struct {
	Key string `json:"key"`
}

// CollectReply answers a CollectQuery.
type CollectReply struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

var (
	errMalformed     = errors.New("malformed envelope")
	errUnknownAction = errors.New("unknown action")
)

func encodeEnvelope(action Action, sender string, body any) (id string, msg []byte, err error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s body: %w", action, err)
	}
	env := Envelope{
		ID:     uuid.NewString(),
		Type:   TypeCommand,
		Action: action,
		Sender: sender,
		Body:   raw,
	}
	msg, err = json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return env.ID, msg, nil
}

// decodeEnvelope parses msg and checks it is a command with one of the
// accepted actions.
func decodeEnvelope(msg []byte, accept ...Action) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Type != TypeCommand || len(env.Body) == 0 {
		return nil, errMalformed
	}
	for _, a := range accept {
		if env.Action == a {
			return &env, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", errUnknownAction, env.Action)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, errUnknownAction):
		return "unknown_action"
	case errors.Is(err, errMalformed):
		return "malformed"
	default:
		return "bad_body"
	}
}

// publisher sends envelopes for one coordinator. Sends happen off the event
// loop so a slow backend never stalls protocol timers.
type publisher struct {
	bus     broadcast.Channel
	topic   string
	sender  string
	timeout time.Duration
	log     *zap.Logger
}

// send encodes synchronously and publishes in the background. It returns the
// envelope id.
func (p *publisher) send(action Action, body any) (string, error) {
	id, msg, err := encodeEnvelope(action, p.sender, body)
	if err != nil {
		return "", err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.bus.Publish(ctx, p.topic, msg); err != nil {
			p.log.Warn("broadcast failed",
				zap.String("topic", p.topic),
				zap.String("action", string(action)),
				zap.String("message_id", id),
				zap.Error(err))
		}
	}()
	return id, nil
}

// drop records an inbound message that was discarded at the boundary.
func (p *publisher) drop(err error) {
	reason := dropReason(err)
	metrics.MessagesDropped.WithLabelValues(p.topic, reason).Inc()
	p.log.Debug("dropped inbound message",
		zap.String("topic", p.topic),
		zap.String("reason", reason),
		zap.Error(err))
}
