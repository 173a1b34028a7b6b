// Package dispatch routes inbound relay messages to their handlers and fans
// derived notifications out to online friends.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"peekrelay/internal/model"
	"peekrelay/internal/registry"
	"peekrelay/internal/resolver"
)

// Store is the persistence the engine needs. Ensure* and Upsert* calls must be
// idempotent on the store side.
type Store interface {
	UpsertIdentity(ctx context.Context, profile model.IdentityProfile, nowMillis int64) (model.Identity, error)
	FindIdentity(ctx context.Context, key string) (model.Identity, bool, error)
	ListFriendEdges(ctx context.Context, ownerKey string) ([]model.Friend, error)
	ListFriendKeys(ctx context.Context, ownerKey string) ([]string, error)
	EnsureFriendshipEdge(ctx context.Context, ownerKey, friendKey string, nowMillis int64) (bool, error)
	SetExclusion(ctx context.Context, ownerKey, friendKey string, excluded bool, nowMillis int64) (bool, error)
	EnsureVideo(ctx context.Context, contentID, url, title string, nowMillis int64) (model.Video, error)
	EnsureWatch(ctx context.Context, identityID, videoID int64, nowMillis int64) (bool, error)
}

// Deliverer sends a payload to another connection. It must be safe for
// concurrent use.
type Deliverer interface {
	Send(connID string, payload []byte) error
}

const DefaultResolverTimeout = 5 * time.Second

type Options struct {
	Store           Store
	Resolver        resolver.Resolver
	Registry        *registry.Registry
	Delivery        Deliverer
	ResolverTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type Engine struct {
	store           Store
	resolver        resolver.Resolver
	registry        *registry.Registry
	delivery        Deliverer
	resolverTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

func New(opts Options) *Engine {
	e := &Engine{
		store:           opts.Store,
		resolver:        opts.Resolver,
		registry:        opts.Registry,
		delivery:        opts.Delivery,
		resolverTimeout: opts.ResolverTimeout,
		logger:          opts.Logger,
		now:             opts.Now,
	}
	if e.registry == nil {
		e.registry = registry.New()
	}
	if e.resolverTimeout <= 0 {
		e.resolverTimeout = DefaultResolverTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Registry() *registry.Registry { return e.registry }

// Handle processes one inbound message from connID and returns the reply for
// that connection. It never fails: every error becomes a reply.
func (e *Engine) Handle(ctx context.Context, connID string, raw []byte) (reply []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("message handler panicked", "connectionId", connID, "panic", rec)
			reply = errorPayload("Internal error")
		}
	}()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.logger.Debug("invalid message", "connectionId", connID, "error", err)
		return []byte(ReplyInvalidJSON)
	}

	switch env.Action {
	case ActionTakeUser:
		return e.handleTakeUser(ctx, connID, raw)
	case ActionOnlineStatus:
		return e.handleOnlineStatus(connID, raw)
	case ActionMakeFriendship:
		return e.handleMakeFriendship(ctx, connID, raw)
	case ActionChangedVideo:
		return e.handleChangedVideo(ctx, connID, raw)
	case ActionFriendExclusion:
		return e.handleFriendExclusion(ctx, connID, raw)
	case ActionPing:
		return encode(pongReply{Action: ActionPong})
	default:
		e.logger.Debug("unknown message type", "connectionId", connID, "action", env.Action)
		return []byte(ReplyUnknownKind)
	}
}

// Disconnect removes connID and tells its online friends it went offline.
func (e *Engine) Disconnect(connID string) {
	entry, ok := e.registry.Remove(connID)
	if !ok {
		return
	}
	notice := encode(friendOnlineStatusNotice{
		Action:       ActionFriendOnlineStatus,
		GoogleUserID: entry.IdentityKey,
		OnlineState:  false,
	})
	sent := e.fanOut(entry.OnlineFriendRefs, notice)
	e.logger.Info("connection left", "connectionId", connID, "identity", entry.IdentityKey, "notified", sent)
}

// fanOut delivers payload to every ref still present in the registry and
// returns how many deliveries succeeded. Failures are logged and skipped.
func (e *Engine) fanOut(refs []registry.FriendRef, payload []byte) int {
	sent := 0
	for _, ref := range refs {
		if !e.registry.Contains(ref.ConnectionID) {
			e.logger.Debug("skipping departed friend", "connectionId", ref.ConnectionID, "identity", ref.IdentityKey)
			continue
		}
		if e.deliver(ref.ConnectionID, payload) {
			sent++
		}
	}
	return sent
}

func (e *Engine) deliver(connID string, payload []byte) bool {
	if e.delivery == nil {
		return false
	}
	if err := e.delivery.Send(connID, payload); err != nil {
		e.logger.Warn("delivery failed", "connectionId", connID, "error", err)
		return false
	}
	return true
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}
