package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peekrelay/internal/registry"
	"peekrelay/internal/resolver"
	"peekrelay/internal/store"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	sent map[string][][]byte
	fail map[string]bool
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{sent: map[string][][]byte{}, fail: map[string]bool{}}
}

func (d *recordingDeliverer) Send(connID string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[connID] {
		return errors.New("broken pipe")
	}
	d.sent[connID] = append(d.sent[connID], append([]byte(nil), payload...))
	return nil
}

func (d *recordingDeliverer) messages(connID string) []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]map[string]any, 0, len(d.sent[connID]))
	for _, raw := range d.sent[connID] {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func (d *recordingDeliverer) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, msgs := range d.sent {
		n += len(msgs)
	}
	return n
}

type stubResolver struct {
	md  resolver.Metadata
	err error
}

func (s stubResolver) Resolve(context.Context, string) (resolver.Metadata, error) {
	return s.md, s.err
}

type fixture struct {
	engine   *Engine
	store    *store.Store
	delivery *recordingDeliverer
}

func newFixture(t *testing.T, res resolver.Resolver) *fixture {
	t.Helper()
	if res == nil {
		res = stubResolver{md: resolver.Metadata{Title: "Song", ThumbnailURL: "https://i.ytimg.com/thumb.jpg"}}
	}
	st := store.New()
	d := newRecordingDeliverer()
	e := New(Options{
		Store:    st,
		Resolver: res,
		Registry: registry.New(),
		Delivery: d,
		Now:      func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	return &fixture{engine: e, store: st, delivery: d}
}

func (f *fixture) handle(t *testing.T, connID string, msg any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	reply := f.engine.Handle(context.Background(), connID, raw)
	var out map[string]any
	require.NoError(t, json.Unmarshal(reply, &out), "reply %q", reply)
	return out
}

func takeUser(key, name string) map[string]any {
	return map[string]any{
		"action":   ActionTakeUser,
		"provider": "google",
		"authData": map[string]any{"uid": key, "fullName": name, "imageUrl": "https://img/" + key},
	}
}

func friendship(a, b string) map[string]any {
	return map[string]any{"action": ActionMakeFriendship, "googleUserId": a, "friendGoogleUserId": b}
}

func changedVideo(key, url string) map[string]any {
	return map[string]any{"action": ActionChangedVideo, "googleUserId": key, "videoUrl": url}
}

func TestHandle_Ping(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, map[string]any{"action": "PONG"}, f.handle(t, "c1", map[string]any{"action": "PING"}))
}

func TestHandle_InvalidJSONAndUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, ReplyInvalidJSON, string(f.engine.Handle(context.Background(), "c1", []byte("{not json"))))
	assert.Equal(t, ReplyUnknownKind, string(f.engine.Handle(context.Background(), "c1", []byte(`{"action":"Dance"}`))))
	assert.Equal(t, ReplyUnknownKind, string(f.engine.Handle(context.Background(), "c1", []byte(`{}`))))
	assert.Zero(t, f.delivery.total())
}

func TestHandle_InvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
		want string
	}{
		{name: "take user without identity", msg: map[string]any{"action": ActionTakeUser, "authData": map[string]any{"fullName": "A"}}, want: "Invalid TakeUserMessage payload"},
		{name: "online status without state", msg: map[string]any{"action": ActionOnlineStatus, "googleUserId": "a"}, want: "Invalid UserChangedOnlineStatus payload"},
		{name: "self friendship", msg: friendship("a", "a"), want: "Invalid MakeFriendship payload"},
		{name: "video without url", msg: map[string]any{"action": ActionChangedVideo, "googleUserId": "a"}, want: "Invalid ChangedVideo payload"},
		{name: "exclusion without flag", msg: map[string]any{"action": ActionFriendExclusion, "googleUserId": "a", "friendGoogleUserId": "b"}, want: "Invalid FriendExclusion payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			reply := f.handle(t, "c1", tt.msg)
			assert.Equal(t, "ERROR", reply["action"])
			assert.Equal(t, tt.want, reply["message"])
		})
	}
}

func TestTakeUser_FirstAnnounceHasEmptyLists(t *testing.T) {
	f := newFixture(t, nil)
	reply := f.handle(t, "c1", takeUser("alice", "Alice"))

	assert.Equal(t, ActionVideosBeingWatched, reply["action"])
	assert.Equal(t, []any{}, reply["friendsOnYoutubeNow"])
	assert.Equal(t, []any{}, reply["friendsOnTubePeek"])
	assert.Equal(t, registry.Identified, f.engine.Registry().State("c1"))

	ident, ok, err := f.store.FindIdentity(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", ident.DisplayName)
}

func TestTakeUser_FallsBackToGoogleUserID(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "c1", map[string]any{
		"action":   ActionTakeUser,
		"authData": map[string]any{"googleUserId": "g-1", "fullName": "G"},
	})
	entry, ok := f.engine.Registry().Get("c1")
	require.True(t, ok)
	assert.Equal(t, "g-1", entry.IdentityKey)
}

func TestTakeUser_ListsWatchingFriends(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "cb", takeUser("bob", "Bob"))
	f.handle(t, "cb", friendship("bob", "alice"))
	f.handle(t, "cb", changedVideo("bob", "https://www.youtube.com/watch?v=abc123"))

	reply := f.handle(t, "ca", takeUser("alice", "Alice"))

	now, ok := reply["friendsOnYoutubeNow"].([]any)
	require.True(t, ok)
	require.Len(t, now, 1)
	item := now[0].(map[string]any)
	assert.Equal(t, "bob", item["googleUserId"])
	video := item["videoData"].(map[string]any)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", video["videoUrl"])
	assert.Equal(t, "Song", video["title"])
	assert.Equal(t, "https://i.ytimg.com/thumb.jpg", video["thumbnail_url"])
	assert.Equal(t, float64(1_700_000_000_000), video["timeStampInMilliseconds"])
	assert.Equal(t, map[string]any{"full_name": "Bob", "image_url": "https://img/bob"}, item["friendData"])

	peek := reply["friendsOnTubePeek"].([]any)
	require.Len(t, peek, 1)
	assert.Equal(t, map[string]any{
		"friendGoogleUserId": "bob",
		"isFriendExcluded":   false,
		"friend":             map[string]any{"googleUserId": "bob", "fullName": "Bob", "imageUrl": "https://img/bob"},
	}, peek[0])
}

func TestTakeUser_OfflineFriendIsListedButNotWatching(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "cb", takeUser("bob", "Bob"))
	f.handle(t, "cb", friendship("bob", "alice"))
	f.engine.Disconnect("cb")

	reply := f.handle(t, "ca", takeUser("alice", "Alice"))
	assert.Equal(t, []any{}, reply["friendsOnYoutubeNow"])
	assert.Len(t, reply["friendsOnTubePeek"], 1)
}

func TestTakeUser_ConnectionCannotSwitchIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "c1", takeUser("alice", "Alice"))

	reply := f.handle(t, "c1", takeUser("mallory", "Mallory"))
	assert.Equal(t, "ERROR", reply["action"])

	entry, _ := f.engine.Registry().Get("c1")
	assert.Equal(t, "alice", entry.IdentityKey)
}

func TestTakeUser_ReannounceReplacesStaleConnection(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "old", takeUser("alice", "Alice"))
	f.handle(t, "new", takeUser("alice", "Alice"))

	assert.False(t, f.engine.Registry().Contains("old"))
	assert.True(t, f.engine.Registry().Contains("new"))
	assert.Equal(t, 1, f.engine.Registry().Len())
}

func TestFanOut_IsOrderIndependent(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "ca", friendship("alice", "bob"))
	// bob arrives after alice; alice must still hear bob's video.
	f.handle(t, "cb", takeUser("bob", "Bob"))

	f.handle(t, "cb", changedVideo("bob", "https://youtu.be/xyz789"))

	msgs := f.delivery.messages("ca")
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, ActionFriendVideoChange, last["action"])
	assert.Equal(t, "bob", last["googleUserId"])
	assert.Equal(t, map[string]any{"full_name": "Bob", "image_url": "https://img/bob"}, last["friendData"])
}

func TestChangedVideo_NoFanOutToNonFriends(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "cc", takeUser("carol", "Carol"))

	reply := f.handle(t, "ca", changedVideo("alice", "https://www.youtube.com/watch?v=abc123"))
	assert.Equal(t, map[string]any{}, reply)
	assert.Empty(t, f.delivery.messages("cc"))
}

func TestChangedVideo_PersistsVideoAndWatchOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))

	for i := 0; i < 3; i++ {
		f.handle(t, "ca", changedVideo("alice", "https://www.youtube.com/watch?v=abc123"))
	}

	ident, _, err := f.store.FindIdentity(context.Background(), "alice")
	require.NoError(t, err)
	watches, err := f.store.ListWatches(context.Background(), ident.ID)
	require.NoError(t, err)
	assert.Len(t, watches, 1)

	entry, _ := f.engine.Registry().Get("ca")
	require.NotNil(t, entry.CurrentWatch)
	assert.Equal(t, "Song", entry.CurrentWatch.Title)
	assert.Equal(t, registry.Watching, entry.State())
}

func TestChangedVideo_Errors(t *testing.T) {
	tests := []struct {
		name string
		url  string
		err  error
		want string
	}{
		{name: "no id", url: "https://example.com/nothing", want: "Invalid youtube id"},
		{name: "empty id", url: "https://www.youtube.com/watch?v=", want: "Invalid youtube id"},
		{name: "malformed", url: "https://youtu.be/abc", err: fmt.Errorf("%w: bad", resolver.ErrMalformedResponse), want: "Invalid youtube json response format"},
		{name: "not found", url: "https://youtu.be/abc", err: resolver.ErrNotFound, want: "Video not found"},
		{name: "timeout", url: "https://youtu.be/abc", err: context.DeadlineExceeded, want: "Video metadata lookup failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, stubResolver{err: tt.err})
			f.handle(t, "ca", takeUser("alice", "Alice"))
			f.handle(t, "cb", takeUser("bob", "Bob"))
			f.handle(t, "ca", friendship("alice", "bob"))
			before := len(f.delivery.messages("cb"))

			reply := f.handle(t, "ca", changedVideo("alice", tt.url))
			assert.Equal(t, "ERROR", reply["action"])
			assert.Equal(t, tt.want, reply["message"])

			assert.Len(t, f.delivery.messages("cb"), before)
			entry, _ := f.engine.Registry().Get("ca")
			assert.Nil(t, entry.CurrentWatch)

			ident, _, _ := f.store.FindIdentity(context.Background(), "alice")
			watches, _ := f.store.ListWatches(context.Background(), ident.ID)
			assert.Empty(t, watches)
		})
	}
}

func TestOnlineStatus_OfflineRemovesAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "ca", friendship("alice", "bob"))
	f.handle(t, "cb", takeUser("bob", "Bob"))

	reply := f.handle(t, "ca", map[string]any{"action": ActionOnlineStatus, "googleUserId": "alice", "onlineState": false})
	assert.Equal(t, map[string]any{}, reply)
	assert.False(t, f.engine.Registry().Contains("ca"))

	msgs := f.delivery.messages("cb")
	require.NotEmpty(t, msgs)
	assert.Equal(t, map[string]any{"action": ActionFriendOnlineStatus, "googleUserId": "alice", "onlineState": false}, msgs[len(msgs)-1])
}

func TestOnlineStatus_OnlineKeepsEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "ca", friendship("alice", "bob"))
	f.handle(t, "cb", takeUser("bob", "Bob"))

	f.handle(t, "cb", map[string]any{"action": ActionOnlineStatus, "googleUserId": "bob", "onlineState": true})
	assert.True(t, f.engine.Registry().Contains("cb"))

	msgs := f.delivery.messages("ca")
	require.NotEmpty(t, msgs)
	assert.Equal(t, true, msgs[len(msgs)-1]["onlineState"])
}

func TestOnlineStatus_UnidentifiedIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	reply := f.handle(t, "ghost", map[string]any{"action": ActionOnlineStatus, "googleUserId": "x", "onlineState": false})
	assert.Equal(t, map[string]any{}, reply)
	assert.Zero(t, f.delivery.total())
}

func TestDisconnect_NotifiesOnlyRemainingFriends(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "ca", friendship("alice", "bob"))
	f.handle(t, "ca", friendship("alice", "carol"))
	f.handle(t, "cb", takeUser("bob", "Bob"))
	f.handle(t, "cc", takeUser("carol", "Carol"))
	f.engine.Disconnect("cc")

	before := len(f.delivery.messages("cc"))
	f.engine.Disconnect("ca")

	bob := f.delivery.messages("cb")
	require.NotEmpty(t, bob)
	assert.Equal(t, map[string]any{"action": ActionFriendOnlineStatus, "googleUserId": "alice", "onlineState": false}, bob[len(bob)-1])
	assert.Len(t, f.delivery.messages("cc"), before)

	// Second disconnect is a no-op.
	total := f.delivery.total()
	f.engine.Disconnect("ca")
	assert.Equal(t, total, f.delivery.total())
}

func TestDisconnect_StaleConnectionAfterReplaceIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "cb", takeUser("bob", "Bob"))
	f.handle(t, "cb", friendship("bob", "alice"))
	f.handle(t, "old", takeUser("alice", "Alice"))
	f.handle(t, "new", takeUser("alice", "Alice"))

	total := f.delivery.total()
	f.engine.Disconnect("old")
	assert.Equal(t, total, f.delivery.total())
}

func TestFanOut_DeliveryFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "ca", friendship("alice", "bob"))
	f.handle(t, "ca", friendship("alice", "carol"))
	f.handle(t, "cb", takeUser("bob", "Bob"))
	f.handle(t, "cc", takeUser("carol", "Carol"))
	f.delivery.fail["cb"] = true

	reply := f.handle(t, "ca", changedVideo("alice", "https://youtu.be/abc"))
	assert.Equal(t, map[string]any{}, reply)

	carol := f.delivery.messages("cc")
	require.NotEmpty(t, carol)
	assert.Equal(t, ActionFriendVideoChange, carol[len(carol)-1]["action"])
}

func TestMakeFriendship_NotifiesBothSidesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "cb", takeUser("bob", "Bob"))

	reply := f.handle(t, "ca", friendship("alice", "bob"))
	assert.Equal(t, map[string]any{}, reply)

	assert.Equal(t, []map[string]any{{
		"action":        ActionNewFriend,
		"friendDetails": map[string]any{"googleUserId": "alice", "fullName": "Alice", "imageUrl": "https://img/alice"},
	}}, f.delivery.messages("cb"))
	assert.Equal(t, []map[string]any{{
		"action":        ActionNewFriend,
		"friendDetails": map[string]any{"googleUserId": "bob", "fullName": "Bob", "imageUrl": "https://img/bob"},
	}}, f.delivery.messages("ca"))

	for _, owner := range []string{"alice", "bob"} {
		friends, err := f.store.ListFriendEdges(context.Background(), owner)
		require.NoError(t, err)
		assert.Len(t, friends, 1)
	}
}

func TestMakeFriendship_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "ca", takeUser("alice", "Alice"))
	f.handle(t, "ca", friendship("alice", "bob"))
	f.handle(t, "ca", friendship("bob", "alice"))

	friends, err := f.store.ListFriendEdges(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, friends, 1)
}

func TestFriendExclusion_KeepsEdgeAndFlagsIt(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t, "cb", takeUser("bob", "Bob"))
	f.handle(t, "cb", friendship("bob", "alice"))

	reply := f.handle(t, "cb", map[string]any{"action": ActionFriendExclusion, "googleUserId": "alice", "friendGoogleUserId": "bob", "exclude": true})
	assert.Equal(t, map[string]any{}, reply)

	peek := f.handle(t, "ca", takeUser("alice", "Alice"))["friendsOnTubePeek"].([]any)
	require.Len(t, peek, 1)
	assert.Equal(t, true, peek[0].(map[string]any)["isFriendExcluded"])
}

func TestHandle_ConcurrentAnnouncesSeeEachOther(t *testing.T) {
	f := newFixture(t, nil)
	const n = 20
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			f.handle(t, "setup", friendship(fmt.Sprintf("u%d", i), fmt.Sprintf("u%d", j)))
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, _ := json.Marshal(takeUser(fmt.Sprintf("u%d", i), fmt.Sprintf("User %d", i)))
			f.engine.Handle(context.Background(), fmt.Sprintf("c%d", i), raw)
		}(i)
	}
	wg.Wait()

	for _, entry := range f.engine.Registry().SnapshotAll() {
		assert.Len(t, entry.OnlineFriendRefs, n-1, "entry %s", entry.ConnectionID)
	}
}
