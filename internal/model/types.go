package model

// Identity is a user account keyed by the external provider uid.
type Identity struct {
	ID          int64
	Key         string
	Provider    string
	Email       string
	DisplayName string
	AvatarURL   string
	CreatedAt   int64
	UpdatedAt   int64
}

// FriendEdge is one direction of a friendship. Excluded means the owner muted
// the friend's presence updates; the edge itself stays in place.
type FriendEdge struct {
	OwnerKey  string
	FriendKey string
	Excluded  bool
	CreatedAt int64
	UpdatedAt int64
}

// Friend is a FriendEdge joined with the friend's identity.
type Friend struct {
	Edge     FriendEdge
	Identity Identity
}

type Video struct {
	ID        int64
	ContentID string
	URL       string
	Title     string
	CreatedAt int64
}

// Watch links an identity to a video it reported watching.
type Watch struct {
	IdentityID int64
	VideoID    int64
	CreatedAt  int64
}

// CurrentWatch is the live, in-memory watch state of a connection.
type CurrentWatch struct {
	URL          string
	Title        string
	ThumbnailURL string
	ObservedAt   int64
}

// IdentityProfile holds the fields refreshed on every identity announce.
type IdentityProfile struct {
	Key         string
	Provider    string
	Email       string
	DisplayName string
	AvatarURL   string
}
