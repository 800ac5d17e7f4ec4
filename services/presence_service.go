package services

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/repositories"
	"context"
	"log/slog"
	"time"
)

type IPresenceService interface {
	SetOnline(ctx context.Context, user domain.UserID) (bool, error)
	SetOffline(ctx context.Context, user domain.UserID) (bool, error)
	Reconcile(ctx context.Context, presence domain.Presence) (bool, error)
	Connect(ctx context.Context, conn contract.Connection) error
	Heartbeat(ctx context.Context, conn contract.Connection) error
	Disconnect(ctx context.Context, conn contract.Connection) error
	Get(ctx context.Context, user domain.UserID) (domain.Presence, error)
	Subscribe(ctx context.Context, user domain.UserID, onChange func(domain.Presence)) (contract.ISubscription, error)
}

// PresenceService reconciles the volatile connection signal with the
// durable user record. Only strictly newer states are written through,
// so late events from the transport never roll presence back.
type PresenceService struct {
	log              *slog.Logger
	users            repositories.IUserRepository
	volatile         contract.VolatileStore
	bus              contract.IEventBus
	clock            contract.Clock
	policy           Policy
	heartbeatTimeout time.Duration
	locks            *stripedLock
}

func NewPresenceService(log *slog.Logger, users repositories.IUserRepository, volatile contract.VolatileStore,
	bus contract.IEventBus, clock contract.Clock, policy Policy, heartbeatTimeout time.Duration) *PresenceService {
	return &PresenceService{
		log:              log,
		users:            users,
		volatile:         volatile,
		bus:              bus,
		clock:            clock,
		policy:           policy,
		heartbeatTimeout: heartbeatTimeout,
		locks:            newStripedLock(64),
	}
}

func (s *PresenceService) SetOnline(ctx context.Context, user domain.UserID) (bool, error) {
	return s.Reconcile(ctx, domain.Presence{UserID: user, Online: true, LastChanged: s.clock.Now()})
}

func (s *PresenceService) SetOffline(ctx context.Context, user domain.UserID) (bool, error) {
	return s.Reconcile(ctx, domain.Presence{UserID: user, Online: false, LastChanged: s.clock.Now()})
}

// Reconcile writes presence through when it is newer than the stored
// state and announces it. applied is false for a stale event.
func (s *PresenceService) Reconcile(ctx context.Context, presence domain.Presence) (bool, error) {
	if presence.UserID == "" {
		return false, errors.Validation("user id is required")
	}
	applied, err := call(ctx, s.policy, "apply_presence", func(ctx context.Context) (bool, error) {
		return s.users.ApplyPresence(ctx, presence)
	})
	if err != nil || !applied {
		return false, err
	}
	s.log.Debug("Presence changed", "user_id", presence.UserID, "online", presence.Online)
	if err = s.policy.publish(ctx, s.bus, event.PresenceChanged{Presence: presence}); err != nil {
		s.log.Warn("Presence change not published", "user_id", presence.UserID, "error", err)
	}
	return true, nil
}

// Connect registers a live session. The first session of a user turns it
// online.
func (s *PresenceService) Connect(ctx context.Context, conn contract.Connection) error {
	return s.touch(ctx, conn)
}

// Heartbeat keeps a session alive. A session unknown to the volatile store,
// lost or swept, is registered again.
func (s *PresenceService) Heartbeat(ctx context.Context, conn contract.Connection) error {
	return s.touch(ctx, conn)
}

// Disconnect ends a session. The last session of a user turns it offline.
func (s *PresenceService) Disconnect(ctx context.Context, conn contract.Connection) error {
	unlock := s.locks.lock(string(conn.UserID))
	defer unlock()

	removed, left, err := s.volatile.Drop(ctx, conn)
	if err != nil {
		return errors.Transient(err)
	}
	if !removed || left > 0 {
		return nil
	}
	_, err = s.SetOffline(ctx, conn.UserID)
	return err
}

// SweepStale disconnects sessions whose last heartbeat is older than the
// heartbeat timeout. A failed session does not stop the sweep: the count
// covers the sessions actually disconnected and the failures are joined.
func (s *PresenceService) SweepStale(ctx context.Context) (int, error) {
	stale, err := s.volatile.Stale(ctx, s.clock.Now().Add(-s.heartbeatTimeout))
	if err != nil {
		return 0, errors.Transient(err)
	}
	var (
		swept int
		errs  []error
	)
	for _, conn := range stale {
		s.log.Debug("Heartbeat timeout", "user_id", conn.UserID, "connection_id", conn.ConnectionID)
		if err = s.Disconnect(ctx, conn); err != nil {
			s.log.Warn("Stale session not swept", "user_id", conn.UserID, "connection_id", conn.ConnectionID, "error", err)
			errs = append(errs, err)
			continue
		}
		swept++
	}
	return swept, errors.Join(errs...)
}

// Get returns the durable presence. Users never seen are offline.
func (s *PresenceService) Get(ctx context.Context, user domain.UserID) (domain.Presence, error) {
	u, err := call(ctx, s.policy, "get_presence", func(ctx context.Context) (domain.User, error) {
		return s.users.Get(ctx, user)
	})
	if errors.Is(err, errors.ErrUserNotFound) {
		return domain.Presence{UserID: user}, nil
	}
	if err != nil {
		return domain.Presence{}, err
	}
	return domain.PresenceOf(u), nil
}

// Subscribe calls onChange with the current presence of user, then with
// every newer one.
func (s *PresenceService) Subscribe(ctx context.Context, user domain.UserID, onChange func(domain.Presence)) (contract.ISubscription, error) {
	var (
		delivered bool
		last      time.Time
	)
	handler := func(e event.DomainEvent) {
		evt, ok := e.(event.PresenceChanged)
		if !ok || (delivered && !evt.Presence.LastChanged.After(last)) {
			return
		}
		delivered, last = true, evt.Presence.LastChanged
		onChange(evt.Presence)
	}

	sub := s.bus.Subscribe(event.PresenceTopic(user), handler, contract.SubscribeOptions{Paused: true})
	current, err := s.Get(ctx, user)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.Resume(event.PresenceChanged{Presence: current})
	return sub, nil
}

func (s *PresenceService) touch(ctx context.Context, conn contract.Connection) error {
	unlock := s.locks.lock(string(conn.UserID))
	defer unlock()

	added, count, err := s.volatile.Touch(ctx, conn, s.clock.Now())
	if err != nil {
		return errors.Transient(err)
	}
	if !added || count > 1 {
		return nil
	}
	_, err = s.SetOnline(ctx, conn.UserID)
	return err
}
