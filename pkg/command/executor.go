package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/statebus/statebus.go/internal/rand"
	"github.com/statebus/statebus.go/pkg/codec"
	"github.com/statebus/statebus.go/pkg/constants"
	"github.com/statebus/statebus.go/pkg/logger"
	"github.com/statebus/statebus.go/pkg/state"
	"github.com/statebus/statebus.go/pkg/transport"
)

const offlineMessage = "Cannot execute command while offline"

// StateHost is the executor's view of the synchronization engine: read a
// snapshot, apply an optimistic draft, restore on rollback.
type StateHost interface {
	Snapshot() state.ApplicationState
	CanExecute() bool
	ApplyOptimistic(ctx context.Context, events ...state.Event) state.ApplicationState
	Restore(ctx context.Context, snapshot state.ApplicationState)
}

// ExecutorOptions configures NewExecutor. Namespace, Transport and Host
// are required.
type ExecutorOptions struct {
	Namespace string
	Transport transport.Transport
	Host      StateHost
	Logger    logger.Logger

	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler

	// NotificationTimeout bounds single-notification commands;
	// ProfileTimeout bounds profile updates and mark-all-read.
	NotificationTimeout time.Duration
	ProfileTimeout      time.Duration
}

// Executor runs the command protocol. Calls are independent; each is
// keyed by its own generated command id and concurrent calls do not
// block each other.
type Executor struct {
	ns   string
	bus  transport.Transport
	host StateHost
	log  logger.Logger

	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	validate    *validator.Validate

	notificationTimeout time.Duration
	profileTimeout      time.Duration
}

func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Namespace == "" {
		return nil, constants.ErrNoNamespace
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("command: transport is required")
	}
	if opts.Host == nil {
		return nil, fmt.Errorf("command: state host is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Marshaler == nil {
		opts.Marshaler = codec.CborMarshaler{}
	}
	if opts.Unmarshaler == nil {
		opts.Unmarshaler = codec.CborUnmarshaler{}
	}
	if opts.NotificationTimeout <= 0 {
		opts.NotificationTimeout = constants.DefaultNotificationTimeout
	}
	if opts.ProfileTimeout <= 0 {
		opts.ProfileTimeout = constants.DefaultProfileTimeout
	}

	return &Executor{
		ns:                  opts.Namespace,
		bus:                 opts.Transport,
		host:                opts.Host,
		log:                 opts.Logger,
		marshaler:           opts.Marshaler,
		unmarshaler:         opts.Unmarshaler,
		validate:            validator.New(),
		notificationTimeout: opts.NotificationTimeout,
		profileTimeout:      opts.ProfileTimeout,
	}, nil
}

// Execute validates and sends one command. The optimistic update is
// applied before the network call and rolled back on failure or timeout;
// on success it stays in place until the confirming event arrives over
// the subscription.
func (x *Executor) Execute(ctx context.Context, typ Type, payload any) Result {
	commandID := newCommandID()

	if !x.host.CanExecute() {
		return failure(commandID, CodeInternalError, offlineMessage)
	}

	if err := x.validatePayload(typ, payload); err != nil {
		return failure(commandID, CodeInvalidPayload, err.Error())
	}

	events := x.synthesizeEvents(typ, payload, rand.NewRequestID(constants.RequestIDLength))
	before := x.host.ApplyOptimistic(ctx, events...)

	data, err := x.marshaler.Marshal(AppCommand{
		ID:        commandID,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		x.host.Restore(ctx, before)
		return failure(commandID, CodeInternalError, fmt.Sprintf("encoding command: %v", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, x.timeoutFor(typ))
	defer cancel()

	reply, err := x.bus.Request(reqCtx, transport.CommandSubject(x.ns, string(typ)), data)
	if err != nil {
		x.host.Restore(ctx, before)
		x.log.Warn("command failed, optimistic update rolled back",
			"command_id", commandID, "type", typ, "error", err)
		return failure(commandID, CodeInternalError, classify(err))
	}

	var result Result
	if err := x.unmarshaler.Unmarshal(reply, &result); err != nil {
		x.host.Restore(ctx, before)
		return failure(commandID, CodeInternalError, fmt.Sprintf("decoding command reply: %v", err))
	}
	result.CommandID = commandID

	if !result.Success {
		x.host.Restore(ctx, before)
		if result.Error == nil {
			result.Error = &CommandError{Code: CodeInternalError, Message: "command rejected"}
		} else if !result.Error.Code.passthrough() {
			result.Error.Code = CodeInternalError
		}
	}
	return result
}

func (x *Executor) timeoutFor(typ Type) time.Duration {
	switch typ {
	case TypeDismissNotification, TypeMarkNotificationRead:
		return x.notificationTimeout
	default:
		return x.profileTimeout
	}
}

func (x *Executor) validatePayload(typ Type, payload any) error {
	switch typ {
	case TypeUpdateProfile:
		p, ok := payload.(UpdateProfilePayload)
		if !ok {
			return fmt.Errorf("expected UpdateProfilePayload, got %T", payload)
		}
		if p.Name == nil && p.AvatarURL == nil {
			return errors.New("profile update requires at least one of name or avatarUrl")
		}
		return x.validate.Struct(p)
	case TypeDismissNotification, TypeMarkNotificationRead:
		p, ok := payload.(NotificationPayload)
		if !ok {
			return fmt.Errorf("expected NotificationPayload, got %T", payload)
		}
		return x.validate.Struct(p)
	case TypeMarkAllNotificationsRead:
		if payload != nil {
			return fmt.Errorf("mark-all-read takes no payload, got %T", payload)
		}
		return nil
	default:
		return fmt.Errorf("unknown command type %q", typ)
	}
}

// synthesizeEvents builds the optimistic draft for a command, expressed
// as the same events the server would publish on success. All events of
// one call share a correlation id so bulk drafts can be traced together.
func (x *Executor) synthesizeEvents(typ Type, payload any, correlationID string) []state.Event {
	now := time.Now().UnixMilli()

	switch typ {
	case TypeUpdateProfile:
		snap := x.host.Snapshot()
		if snap.User == nil {
			return nil
		}
		p := payload.(UpdateProfilePayload)
		return []state.Event{{
			Type:          state.EventUserUpdated,
			Timestamp:     now,
			CorrelationID: correlationID,
			Payload: state.UserUpdatedPayload{
				ID:      snap.User.ID,
				Changes: state.UserChanges{Name: p.Name, AvatarURL: p.AvatarURL},
			},
		}}
	case TypeDismissNotification:
		p := payload.(NotificationPayload)
		return []state.Event{{
			Type:          state.EventNotificationDismissed,
			Timestamp:     now,
			CorrelationID: correlationID,
			Payload:       state.NotificationDismissedPayload{NotificationID: p.NotificationID},
		}}
	case TypeMarkNotificationRead:
		p := payload.(NotificationPayload)
		return []state.Event{{
			Type:          state.EventNotificationRead,
			Timestamp:     now,
			CorrelationID: correlationID,
			Payload:       state.NotificationReadPayload{NotificationID: p.NotificationID},
		}}
	case TypeMarkAllNotificationsRead:
		snap := x.host.Snapshot()
		var events []state.Event
		for _, n := range snap.Notifications {
			if !n.Read && !n.Dismissed {
				events = append(events, state.Event{
					Type:          state.EventNotificationRead,
					Timestamp:     now,
					CorrelationID: correlationID,
					Payload:       state.NotificationReadPayload{NotificationID: n.ID},
				})
			}
		}
		return events
	}
	return nil
}

// classify maps a transport failure onto a user-facing message. The code
// is always INTERNAL_ERROR; only the message distinguishes timeout from
// service unavailability.
func classify(err error) string {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, constants.ErrTimeout) ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "Command timed out"
	case errors.Is(err, constants.ErrNoResponder) || errors.Is(err, constants.ErrNotConnected) ||
		strings.Contains(msg, "unavailable"):
		return "Service unavailable"
	default:
		return msg
	}
}
