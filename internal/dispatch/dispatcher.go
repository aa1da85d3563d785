// Package dispatch runs the per-frame pipeline of a chat connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"

	"github.com/xiaot623/gogo/chat/internal/domain"
	"github.com/xiaot623/gogo/chat/internal/policy"
	"github.com/xiaot623/gogo/chat/internal/protocol"
	"github.com/xiaot623/gogo/chat/internal/registry"
	"github.com/xiaot623/gogo/chat/internal/session"
	"github.com/xiaot623/gogo/chat/internal/store"
)

// Authorizer decides whether a frame may be processed.
type Authorizer interface {
	Evaluate(ctx context.Context, input policy.Input) (decision string, reason string, err error)
}

// Options tunes a Dispatcher.
type Options struct {
	// SelfDelivery also delivers a message to the connection that sent it.
	SelfDelivery   bool
	PersistTimeout time.Duration
	// PublishRetries bounds the retries of a failed registry publish.
	PublishRetries int
}

// handlerFunc processes one decoded frame kind and returns an optional reply.
type handlerFunc func(ctx context.Context, sess *session.Session, data []byte) (any, error)

// Dispatcher validates, authorizes, persists and fans out inbound frames.
type Dispatcher struct {
	store    store.MessageStore
	registry registry.Registry
	strategy registry.GroupStrategy
	authz    Authorizer
	validate *validator.Validate
	opts     Options
	logger   *slog.Logger

	handlers map[string]handlerFunc
}

// New creates a dispatcher.
func New(ms store.MessageStore, reg registry.Registry, strategy registry.GroupStrategy, authz Authorizer, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.PublishRetries <= 0 {
		opts.PublishRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:    ms,
		registry: reg,
		strategy: strategy,
		authz:    authz,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
	d.handlers = map[string]handlerFunc{
		protocol.TypeMessage:  d.handleMessage,
		protocol.TypeMarkRead: d.handleMarkRead,
		protocol.TypeAuth:     d.handleAuth,
	}
	return d
}

// Dispatch processes one inbound frame of sess. Replies and error frames are
// queued on the session; the returned error is the one reported to the client.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, data []byte) error {
	reply, err := d.dispatch(ctx, sess, data)
	if err != nil {
		logger := d.logger.With(
			slog.String("connection_id", sess.ID()),
			slog.String("user_id", sess.UserID()),
			slog.String("code", domain.ErrorCode(err)))
		if domain.ErrorCode(err) == domain.CodePersistenceFailed || domain.ErrorCode(err) == domain.CodeInternalError {
			logger.Error("frame failed", slog.Any("error", err))
		} else {
			logger.Info("frame rejected", slog.Any("error", err))
		}
		if replyErr := sess.Reply(protocol.NewError(err)); replyErr != nil {
			d.logger.Debug("error frame not queued", slog.String("connection_id", sess.ID()), slog.Any("error", replyErr))
		}
		return err
	}
	if reply != nil {
		if err := sess.Reply(reply); err != nil {
			d.logger.Debug("reply not queued", slog.String("connection_id", sess.ID()), slog.Any("error", err))
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session, data []byte) (any, error) {
	if state := sess.State(); state != session.StateActive {
		return nil, fmt.Errorf("session is %s", state)
	}

	var env protocol.Envelope
	if err := protocol.Decode(data, &env); err != nil {
		return nil, err
	}
	handler, ok := d.handlers[env.Kind()]
	if !ok {
		return nil, domain.NewValidationError("unknown frame type %q", env.Kind())
	}
	return handler(ctx, sess, data)
}

func (d *Dispatcher) handleMessage(ctx context.Context, sess *session.Session, data []byte) (any, error) {
	var frame protocol.ChatMessage
	if err := protocol.Decode(data, &frame); err != nil {
		return nil, err
	}
	if err := d.check(&frame); err != nil {
		return nil, err
	}
	if err := domain.ValidateContent(frame.Message); err != nil {
		return nil, err
	}

	target := frame.Target()
	if err := d.authorize(ctx, policy.Input{
		Action:         protocol.TypeMessage,
		Subject:        sess.UserID(),
		SenderID:       frame.SenderID.String(),
		ReceiverID:     target.UserID,
		ConversationID: target.ConversationID,
		Room:           sess.Room(),
	}); err != nil {
		return nil, err
	}

	// Detached from the connection; a hang-up mid-frame must not abort the write.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.PersistTimeout)
	defer cancel()

	msg, err := d.store.Create(pctx, sess.UserID(), target, frame.Message)
	if err != nil {
		return nil, err
	}

	d.publish(pctx, sess, msg)
	return nil, nil
}

// publish fans msg out. Registry failures are logged and never reported to
// the sender, whose message is already stored.
func (d *Dispatcher) publish(ctx context.Context, sess *session.Session, msg *domain.Message) {
	logger := d.logger.With(slog.String("message_id", msg.ID), slog.String("connection_id", sess.ID()))

	groups, err := d.strategy.TargetGroups(ctx, msg.SenderID, sess.Room(), msg.Target(msg.SenderID))
	if err != nil {
		logger.Error("resolve target groups", slog.Any("error", err))
		return
	}

	var opts registry.PublishOptions
	if !d.opts.SelfDelivery {
		opts.ExcludeMember = sess.ID()
	}
	event := domain.NewMessageEvent(msg)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond

	for _, group := range groups {
		delivered, err := backoff.Retry(ctx, func() (int, error) {
			n, err := d.registry.Publish(ctx, group, event, opts)
			if err != nil && !errors.Is(err, domain.ErrRegistry) {
				return 0, backoff.Permanent(err)
			}
			return n, err
		}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.opts.PublishRetries)))
		if err != nil {
			logger.Error("publish failed, event dropped", slog.String("group", group), slog.Any("error", err))
			continue
		}
		logger.Debug("event published", slog.String("group", group), slog.Int("delivered", delivered))
	}
}

func (d *Dispatcher) handleMarkRead(ctx context.Context, sess *session.Session, data []byte) (any, error) {
	var frame protocol.MarkReadMessage
	if err := protocol.Decode(data, &frame); err != nil {
		return nil, err
	}
	if err := d.check(&frame); err != nil {
		return nil, err
	}

	target := frame.Target()
	if err := d.authorize(ctx, policy.Input{
		Action:         protocol.TypeMarkRead,
		Subject:        sess.UserID(),
		ReceiverID:     target.UserID,
		ConversationID: target.ConversationID,
	}); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.PersistTimeout)
	defer cancel()

	updated, err := d.store.MarkRead(pctx, sess.UserID(), target)
	if err != nil {
		return nil, err
	}
	return &protocol.ReadAckMessage{
		Type:           protocol.TypeReadAck,
		UserID:         target.UserID,
		ConversationID: target.ConversationID,
		Updated:        updated,
	}, nil
}

func (d *Dispatcher) handleAuth(context.Context, *session.Session, []byte) (any, error) {
	return nil, domain.NewValidationError("connection is already authenticated")
}

func (d *Dispatcher) authorize(ctx context.Context, input policy.Input) error {
	decision, reason, err := d.authz.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", input.Action, err)
	}
	if decision != policy.DecisionAllow {
		if reason == "" {
			reason = "frame not allowed"
		}
		return domain.NewAuthorizationError("%s", reason)
	}
	return nil
}

// check runs struct validation and turns its errors into a ValidationError.
func (d *Dispatcher) check(frame any) error {
	err := d.validate.Struct(frame)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewValidationError("%v", err)
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, describe(fe))
	}
	return domain.NewValidationError("%s", strings.Join(reasons, "; "))
}

var jsonNames = map[string]string{
	"Message":        "message",
	"SenderID":       "sender_id",
	"ReceiverID":     "receiver_id",
	"ConversationID": "conversation_id",
	"UserID":         "user_id",
}

func describe(fe validator.FieldError) string {
	name := jsonNames[fe.Field()]
	if name == "" {
		name = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "required_without":
		return fmt.Sprintf("%s or %s is required", name, jsonNames[fe.Param()])
	case "excluded_with":
		return fmt.Sprintf("%s and %s are mutually exclusive", name, jsonNames[fe.Param()])
	default:
		return fmt.Sprintf("%s failed %s", name, fe.Tag())
	}
}
