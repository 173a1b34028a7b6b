package dispatch

import (
	"context"
	"errors"

	"peekrelay/internal/model"
	"peekrelay/internal/registry"
	"peekrelay/internal/resolver"
	"peekrelay/internal/videoid"
)

const (
	msgAlreadyIdentified = "Connection already identified as another user"
	msgStoreFailure      = "Could not reach storage"
	msgInvalidVideoID    = "Invalid youtube id"
	msgMalformedMetadata = "Invalid youtube json response format"
	msgVideoNotFound     = "Video not found"
	msgLookupFailed      = "Video metadata lookup failed"
)

func (e *Engine) handleTakeUser(ctx context.Context, connID string, raw []byte) []byte {
	msg, ok := decodeMessage[takeUserMessage](raw)
	if !ok {
		return invalidPayload(ActionTakeUser)
	}
	key := msg.identityKey()

	if current, ok := e.registry.Get(connID); ok && current.IdentityKey != key {
		e.logger.Warn("connection announced a second identity", "connectionId", connID, "identity", current.IdentityKey, "announced", key)
		return errorPayload(msgAlreadyIdentified)
	}

	_, err := e.store.UpsertIdentity(ctx, model.IdentityProfile{
		Key:         key,
		Provider:    msg.Provider,
		Email:       msg.AuthData.EmailAddress,
		DisplayName: msg.AuthData.FullName,
		AvatarURL:   msg.AuthData.ImageURL,
	}, e.nowMillis())
	if err != nil {
		e.logger.Error("upsert identity failed", "identity", key, "error", err)
		return errorPayload(msgStoreFailure)
	}

	friends, err := e.store.ListFriendEdges(ctx, key)
	if err != nil {
		e.logger.Error("list friends failed", "identity", key, "error", err)
		return errorPayload(msgStoreFailure)
	}

	// Link against every edge, not only friends with a stored profile, so a
	// friend announcing concurrently is still seen by one side or the other.
	friendKeys, err := e.store.ListFriendKeys(ctx, key)
	if err != nil {
		e.logger.Error("list friend keys failed", "identity", key, "error", err)
		return errorPayload(msgStoreFailure)
	}
	result := e.registry.Announce(connID, key, friendKeys)
	if result.Replaced != nil {
		e.logger.Info("identity moved to a new connection", "identity", key, "from", result.Replaced.ConnectionID, "to", connID)
	}
	e.logger.Info("connection identified", "connectionId", connID, "identity", key, "onlineFriends", len(result.OnlineFriends))

	return encode(buildVideosBeingWatched(friends, result.OnlineFriends))
}

// buildVideosBeingWatched lists watching online friends in friend-list order
// followed by the full friend list.
func buildVideosBeingWatched(friends []model.Friend, online []registry.OnlineFriend) videosBeingWatchedReply {
	byKey := make(map[string]registry.OnlineFriend, len(online))
	for _, of := range online {
		byKey[of.IdentityKey] = of
	}

	reply := videosBeingWatchedReply{
		Action:              ActionVideosBeingWatched,
		FriendsOnYoutubeNow: []friendVideo{},
		FriendsOnTubePeek:   make([]friendEntity, 0, len(friends)),
	}
	for _, f := range friends {
		reply.FriendsOnTubePeek = append(reply.FriendsOnTubePeek, friendEntity{
			FriendGoogleUserID: f.Identity.Key,
			IsFriendExcluded:   f.Edge.Excluded,
			Friend:             detailsOf(f.Identity),
		})

		of, ok := byKey[f.Identity.Key]
		if !ok || of.CurrentWatch == nil {
			continue
		}
		reply.FriendsOnYoutubeNow = append(reply.FriendsOnYoutubeNow, friendVideo{
			GoogleUserID: f.Identity.Key,
			VideoData:    videoDataOf(*of.CurrentWatch),
			FriendData:   friendData{FullName: f.Identity.DisplayName, ImageURL: f.Identity.AvatarURL},
		})
	}
	return reply
}

func (e *Engine) handleOnlineStatus(connID string, raw []byte) []byte {
	msg, ok := decodeMessage[onlineStatusMessage](raw)
	if !ok {
		return invalidPayload(ActionOnlineStatus)
	}

	var entry registry.Entry
	var found bool
	if *msg.OnlineState {
		entry, found = e.registry.Get(connID)
	} else {
		entry, found = e.registry.Remove(connID)
	}
	if !found {
		e.logger.Debug("online status from unidentified connection", "connectionId", connID)
		return []byte(ReplyEmpty)
	}

	notice := encode(friendOnlineStatusNotice{
		Action:       ActionFriendOnlineStatus,
		GoogleUserID: entry.IdentityKey,
		OnlineState:  *msg.OnlineState,
	})
	sent := e.fanOut(entry.OnlineFriendRefs, notice)
	e.logger.Info("online status changed", "connectionId", connID, "identity", entry.IdentityKey, "online", *msg.OnlineState, "notified", sent)
	return []byte(ReplyEmpty)
}

func (e *Engine) handleMakeFriendship(ctx context.Context, connID string, raw []byte) []byte {
	msg, ok := decodeMessage[makeFriendshipMessage](raw)
	if !ok {
		return invalidPayload(ActionMakeFriendship)
	}
	a, b := msg.GoogleUserID, msg.FriendGoogleUserID
	now := e.nowMillis()

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := e.store.EnsureFriendshipEdge(ctx, pair[0], pair[1], now); err != nil {
			e.logger.Error("ensure friendship failed", "owner", pair[0], "friend", pair[1], "error", err)
			return errorPayload(msgStoreFailure)
		}
	}

	identA, foundA, err := e.store.FindIdentity(ctx, a)
	if err != nil {
		e.logger.Error("find identity failed", "identity", a, "error", err)
		return errorPayload(msgStoreFailure)
	}
	identB, foundB, err := e.store.FindIdentity(ctx, b)
	if err != nil {
		e.logger.Error("find identity failed", "identity", b, "error", err)
		return errorPayload(msgStoreFailure)
	}

	sent := 0
	for _, entry := range e.registry.SnapshotAll() {
		switch {
		case foundA && entry.IdentityKey == b:
			if e.deliver(entry.ConnectionID, encode(newFriendNotice{Action: ActionNewFriend, FriendDetails: detailsOf(identA)})) {
				sent++
			}
		case foundB && entry.IdentityKey == a:
			if e.deliver(entry.ConnectionID, encode(newFriendNotice{Action: ActionNewFriend, FriendDetails: detailsOf(identB)})) {
				sent++
			}
		}
	}
	e.logger.Info("friendship made", "connectionId", connID, "identity", a, "friend", b, "notified", sent)
	return []byte(ReplyEmpty)
}

func (e *Engine) handleChangedVideo(ctx context.Context, connID string, raw []byte) []byte {
	msg, ok := decodeMessage[changedVideoMessage](raw)
	if !ok {
		return invalidPayload(ActionChangedVideo)
	}
	contentID, ok := videoid.Extract(msg.VideoURL)
	if !ok {
		return errorPayload(msgInvalidVideoID)
	}

	rctx, cancel := context.WithTimeout(ctx, e.resolverTimeout)
	md, err := e.resolver.Resolve(rctx, contentID)
	cancel()
	if err != nil {
		e.logger.Warn("video metadata lookup failed", "connectionId", connID, "contentId", contentID, "error", err)
		switch {
		case errors.Is(err, resolver.ErrMalformedResponse):
			return errorPayload(msgMalformedMetadata)
		case errors.Is(err, resolver.ErrNotFound):
			return errorPayload(msgVideoNotFound)
		default:
			return errorPayload(msgLookupFailed)
		}
	}

	now := e.nowMillis()
	watch := model.CurrentWatch{
		URL:          msg.VideoURL,
		Title:        md.Title,
		ThumbnailURL: md.ThumbnailURL,
		ObservedAt:   now,
	}
	if !e.registry.SetCurrentWatch(connID, watch) {
		e.logger.Debug("video change from unidentified connection", "connectionId", connID)
	}

	ident, found, err := e.store.FindIdentity(ctx, msg.GoogleUserID)
	if err != nil {
		e.logger.Error("find identity failed", "identity", msg.GoogleUserID, "error", err)
		return []byte(ReplyEmpty)
	}
	if !found {
		e.logger.Debug("video change from unknown identity", "identity", msg.GoogleUserID)
		return []byte(ReplyEmpty)
	}

	if entry, ok := e.registry.Get(connID); ok {
		notice := encode(friendVideoChangeNotice{
			Action:       ActionFriendVideoChange,
			GoogleUserID: ident.Key,
			VideoData:    videoDataOf(watch),
			FriendData:   friendData{FullName: ident.DisplayName, ImageURL: ident.AvatarURL},
		})
		sent := e.fanOut(entry.OnlineFriendRefs, notice)
		e.logger.Info("video changed", "connectionId", connID, "identity", ident.Key, "contentId", contentID, "notified", sent)
	}

	video, err := e.store.EnsureVideo(ctx, contentID, msg.VideoURL, md.Title, now)
	if err != nil {
		e.logger.Error("ensure video failed", "contentId", contentID, "error", err)
		return []byte(ReplyEmpty)
	}
	if _, err := e.store.EnsureWatch(ctx, ident.ID, video.ID, now); err != nil {
		e.logger.Error("ensure watch failed", "identity", ident.Key, "contentId", contentID, "error", err)
	}
	return []byte(ReplyEmpty)
}

func (e *Engine) handleFriendExclusion(ctx context.Context, connID string, raw []byte) []byte {
	msg, ok := decodeMessage[friendExclusionMessage](raw)
	if !ok {
		return invalidPayload(ActionFriendExclusion)
	}
	updated, err := e.store.SetExclusion(ctx, msg.GoogleUserID, msg.FriendGoogleUserID, *msg.Exclude, e.nowMillis())
	if err != nil {
		e.logger.Error("set exclusion failed", "owner", msg.GoogleUserID, "friend", msg.FriendGoogleUserID, "error", err)
		return errorPayload(msgStoreFailure)
	}
	if !updated {
		e.logger.Debug("exclusion for missing friendship", "connectionId", connID, "owner", msg.GoogleUserID, "friend", msg.FriendGoogleUserID)
	}
	return []byte(ReplyEmpty)
}

func detailsOf(ident model.Identity) friendDetails {
	return friendDetails{GoogleUserID: ident.Key, FullName: ident.DisplayName, ImageURL: ident.AvatarURL}
}

func videoDataOf(w model.CurrentWatch) videoData {
	return videoData{
		VideoURL:                w.URL,
		Title:                   w.Title,
		ThumbnailURL:            w.ThumbnailURL,
		TimeStampInMilliseconds: w.ObservedAt,
	}
}
