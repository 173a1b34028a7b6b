package dispatch

import "encoding/json"

// Inbound and outbound discriminator values of the "action" field.
const (
	ActionTakeUser           = "TakeUserMessage"
	ActionOnlineStatus       = "UserChangedOnlineStatus"
	ActionMakeFriendship     = "MakeFriendship"
	ActionChangedVideo       = "ChangedVideo"
	ActionFriendExclusion    = "FriendExclusion"
	ActionPing               = "PING"
	ActionPong               = "PONG"
	ActionVideosBeingWatched = "TakeVideosBeingWatched"
	ActionFriendOnlineStatus = "TakeFriendOnlineStatus"
	ActionNewFriend          = "NewFriendOnTubePeek"
	ActionFriendVideoChange  = "TakeFriendVideoChange"
	ActionError              = "ERROR"
)

const (
	ReplyInvalidJSON = "Invalid json value"
	ReplyUnknownKind = "Unknown message type"
	ReplyEmpty       = "{}"
)

type envelope struct {
	Action string `json:"action"`
}

type authData struct {
	UID          string `json:"uid"`
	GoogleUserID string `json:"googleUserId"`
	FullName     string `json:"fullName"`
	EmailAddress string `json:"emailAddress"`
	ImageURL     string `json:"imageUrl"`
}

type takeUserMessage struct {
	Provider string   `json:"provider"`
	AuthData authData `json:"authData"`
}

func (m takeUserMessage) identityKey() string {
	if m.AuthData.UID != "" {
		return m.AuthData.UID
	}
	return m.AuthData.GoogleUserID
}

func (m takeUserMessage) valid() bool {
	return m.identityKey() != "" && m.AuthData.FullName != ""
}

type onlineStatusMessage struct {
	GoogleUserID string `json:"googleUserId"`
	OnlineState  *bool  `json:"onlineState"`
}

func (m onlineStatusMessage) valid() bool { return m.OnlineState != nil }

type makeFriendshipMessage struct {
	GoogleUserID       string `json:"googleUserId"`
	FriendGoogleUserID string `json:"friendGoogleUserId"`
}

func (m makeFriendshipMessage) valid() bool {
	return m.GoogleUserID != "" && m.FriendGoogleUserID != "" && m.GoogleUserID != m.FriendGoogleUserID
}

type changedVideoMessage struct {
	GoogleUserID string `json:"googleUserId"`
	VideoURL     string `json:"videoUrl"`
}

func (m changedVideoMessage) valid() bool { return m.GoogleUserID != "" && m.VideoURL != "" }

type friendExclusionMessage struct {
	GoogleUserID       string `json:"googleUserId"`
	FriendGoogleUserID string `json:"friendGoogleUserId"`
	Exclude            *bool  `json:"exclude"`
}

func (m friendExclusionMessage) valid() bool {
	return m.GoogleUserID != "" && m.FriendGoogleUserID != "" && m.Exclude != nil
}

type validator interface {
	valid() bool
}

// decodeMessage decodes raw into a kind-specific message and reports whether
// it carries the fields its handler needs.
func decodeMessage[T validator](raw []byte) (T, bool) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, false
	}
	return msg, msg.valid()
}

type videoData struct {
	VideoURL                string `json:"videoUrl"`
	Title                   string `json:"title"`
	ThumbnailURL            string `json:"thumbnail_url"`
	TimeStampInMilliseconds int64  `json:"timeStampInMilliseconds"`
}

type friendData struct {
	FullName string `json:"full_name"`
	ImageURL string `json:"image_url"`
}

type friendVideo struct {
	GoogleUserID string     `json:"googleUserId"`
	VideoData    videoData  `json:"videoData"`
	FriendData   friendData `json:"friendData"`
}

type friendDetails struct {
	GoogleUserID string `json:"googleUserId"`
	FullName     string `json:"fullName"`
	ImageURL     string `json:"imageUrl"`
}

type friendEntity struct {
	FriendGoogleUserID string        `json:"friendGoogleUserId"`
	IsFriendExcluded   bool          `json:"isFriendExcluded"`
	Friend             friendDetails `json:"friend"`
}

type videosBeingWatchedReply struct {
	Action              string         `json:"action"`
	FriendsOnYoutubeNow []friendVideo  `json:"friendsOnYoutubeNow"`
	FriendsOnTubePeek   []friendEntity `json:"friendsOnTubePeek"`
}

type friendOnlineStatusNotice struct {
	Action       string `json:"action"`
	GoogleUserID string `json:"googleUserId"`
	OnlineState  bool   `json:"onlineState"`
}

type newFriendNotice struct {
	Action        string        `json:"action"`
	FriendDetails friendDetails `json:"friendDetails"`
}

type friendVideoChangeNotice struct {
	Action       string     `json:"action"`
	GoogleUserID string     `json:"googleUserId"`
	VideoData    videoData  `json:"videoData"`
	FriendData   friendData `json:"friendData"`
}

type errorReply struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

type pongReply struct {
	Action string `json:"action"`
}

func encode(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(ReplyEmpty)
	}
	return out
}

func errorPayload(message string) []byte {
	return encode(errorReply{Action: ActionError, Message: message})
}

func invalidPayload(kind string) []byte {
	return errorPayload("Invalid " + kind + " payload")
}
