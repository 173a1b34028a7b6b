package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"peekrelay/internal/model"
)

var (
	ErrMissingKey     = errors.New("missing identity key")
	ErrSelfFriendship = errors.New("identity cannot befriend itself")
	ErrMissingVideo   = errors.New("missing content id")
)

// Store is the in-memory identity, friendship and watch history store. When a
// state file is configured every mutation rewrites a JSON snapshot of it.
type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	logger    *slog.Logger

	identitiesByKey map[string]model.Identity
	edgesByOwner    map[string]map[string]model.FriendEdge // owner key -> friend key -> edge
	videosByContent map[string]model.Video
	watches         map[watchKey]model.Watch

	lastIdentityID int64
	lastVideoID    int64
}

type watchKey struct {
	identityID int64
	videoID    int64
}

func New() *Store {
	return NewWithOptions(Options{})
}

type Options struct {
	StateFile string
	Logger    *slog.Logger
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		stateFile:       opts.StateFile,
		logger:          opts.Logger,
		identitiesByKey: make(map[string]model.Identity),
		edgesByOwner:    make(map[string]map[string]model.FriendEdge),
		videosByContent: make(map[string]model.Video),
		watches:         make(map[watchKey]model.Watch),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.logger.Warn("state persistence: load failed", "path", s.stateFile, "error", err)
		}
	}

	return s
}

func (s *Store) UpsertIdentity(_ context.Context, profile model.IdentityProfile, nowMillis int64) (model.Identity, error) {
	if profile.Key == "" {
		return model.Identity{}, ErrMissingKey
	}

	s.mu.Lock()
	ident, ok := s.identitiesByKey[profile.Key]
	if ok {
		ident.DisplayName = profile.DisplayName
		ident.AvatarURL = profile.AvatarURL
		if profile.Email != "" {
			ident.Email = profile.Email
		}
		ident.UpdatedAt = nowMillis
	} else {
		s.lastIdentityID++
		ident = model.Identity{
			ID:          s.lastIdentityID,
			Key:         profile.Key,
			Provider:    profile.Provider,
			Email:       profile.Email,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
			CreatedAt:   nowMillis,
			UpdatedAt:   nowMillis,
		}
	}
	s.identitiesByKey[profile.Key] = ident
	s.unlockAndPersist()
	return ident, nil
}

func (s *Store) FindIdentity(_ context.Context, key string) (model.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identitiesByKey[key]
	return ident, ok, nil
}

// ListFriendEdges returns the owner's edges whose friend identity is known,
// oldest first.
func (s *Store) ListFriendEdges(_ context.Context, ownerKey string) ([]model.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := s.edgesByOwner[ownerKey]
	result := make([]model.Friend, 0, len(edges))
	for friendKey, edge := range edges {
		ident, ok := s.identitiesByKey[friendKey]
		if !ok {
			continue
		}
		result = append(result, model.Friend{Edge: edge, Identity: ident})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Edge.CreatedAt != result[j].Edge.CreatedAt {
			return result[i].Edge.CreatedAt < result[j].Edge.CreatedAt
		}
		return result[i].Edge.FriendKey < result[j].Edge.FriendKey
	})
	return result, nil
}

// ListFriendKeys returns every friend key of the owner, known identity or not.
func (s *Store) ListFriendKeys(_ context.Context, ownerKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.edgesByOwner[ownerKey]))
	for friendKey := range s.edgesByOwner[ownerKey] {
		keys = append(keys, friendKey)
	}
	sort.Strings(keys)
	return keys, nil
}

// EnsureFriendshipEdge inserts owner->friend if it is absent and reports
// whether it did.
func (s *Store) EnsureFriendshipEdge(_ context.Context, ownerKey, friendKey string, nowMillis int64) (bool, error) {
	if ownerKey == "" || friendKey == "" {
		return false, ErrMissingKey
	}
	if ownerKey == friendKey {
		return false, ErrSelfFriendship
	}

	s.mu.Lock()
	edges := s.edgesByOwner[ownerKey]
	if edges == nil {
		edges = make(map[string]model.FriendEdge)
		s.edgesByOwner[ownerKey] = edges
	}
	if _, ok := edges[friendKey]; ok {
		s.mu.Unlock()
		return false, nil
	}
	edges[friendKey] = model.FriendEdge{
		OwnerKey:  ownerKey,
		FriendKey: friendKey,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.unlockAndPersist()
	return true, nil
}

// SetExclusion updates the owner->friend exclusion flag. It reports false when
// the edge does not exist.
func (s *Store) SetExclusion(_ context.Context, ownerKey, friendKey string, excluded bool, nowMillis int64) (bool, error) {
	s.mu.Lock()
	edge, ok := s.edgesByOwner[ownerKey][friendKey]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	edge.Excluded = excluded
	edge.UpdatedAt = nowMillis
	s.edgesByOwner[ownerKey][friendKey] = edge
	s.unlockAndPersist()
	return true, nil
}

func (s *Store) EnsureVideo(_ context.Context, contentID, url, title string, nowMillis int64) (model.Video, error) {
	if contentID == "" {
		return model.Video{}, ErrMissingVideo
	}

	s.mu.Lock()
	if existing, ok := s.videosByContent[contentID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.lastVideoID++
	v := model.Video{
		ID:        s.lastVideoID,
		ContentID: contentID,
		URL:       url,
		Title:     title,
		CreatedAt: nowMillis,
	}
	s.videosByContent[contentID] = v
	s.unlockAndPersist()
	return v, nil
}

// EnsureWatch records that identityID watched videoID, at most once per pair.
func (s *Store) EnsureWatch(_ context.Context, identityID, videoID int64, nowMillis int64) (bool, error) {
	key := watchKey{identityID: identityID, videoID: videoID}

	s.mu.Lock()
	if _, ok := s.watches[key]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.watches[key] = model.Watch{IdentityID: identityID, VideoID: videoID, CreatedAt: nowMillis}
	s.unlockAndPersist()
	return true, nil
}

// ListWatches returns the watch history of one identity.
func (s *Store) ListWatches(_ context.Context, identityID int64) ([]model.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Watch, 0)
	for key, w := range s.watches {
		if key.identityID == identityID {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].VideoID < result[j].VideoID })
	return result, nil
}

type persistedStateFile struct {
	Version    int                `json:"version"`
	Identities []model.Identity   `json:"identities"`
	Edges      []model.FriendEdge `json:"edges"`
	Videos     []model.Video      `json:"videos"`
	Watches    []model.Watch      `json:"watches"`
	SavedAt    int64              `json:"savedAt"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state file version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ident := range file.Identities {
		if ident.Key == "" {
			continue
		}
		s.identitiesByKey[ident.Key] = ident
		if ident.ID > s.lastIdentityID {
			s.lastIdentityID = ident.ID
		}
	}
	for _, e := range file.Edges {
		if e.OwnerKey == "" || e.FriendKey == "" {
			continue
		}
		if s.edgesByOwner[e.OwnerKey] == nil {
			s.edgesByOwner[e.OwnerKey] = make(map[string]model.FriendEdge)
		}
		s.edgesByOwner[e.OwnerKey][e.FriendKey] = e
	}
	for _, v := range file.Videos {
		if v.ContentID == "" {
			continue
		}
		s.videosByContent[v.ContentID] = v
		if v.ID > s.lastVideoID {
			s.lastVideoID = v.ID
		}
	}
	for _, w := range file.Watches {
		s.watches[watchKey{identityID: w.IdentityID, videoID: w.VideoID}] = w
	}
	return nil
}

// snapshotLocked returns nil when persistence is disabled.
func (s *Store) snapshotLocked() *persistedStateFile {
	if s.stateFile == "" {
		return nil
	}

	file := &persistedStateFile{Version: 1}
	for _, ident := range s.identitiesByKey {
		file.Identities = append(file.Identities, ident)
	}
	sort.Slice(file.Identities, func(i, j int) bool { return file.Identities[i].ID < file.Identities[j].ID })
	for _, edges := range s.edgesByOwner {
		for _, e := range edges {
			file.Edges = append(file.Edges, e)
		}
	}
	sort.Slice(file.Edges, func(i, j int) bool {
		if file.Edges[i].OwnerKey != file.Edges[j].OwnerKey {
			return file.Edges[i].OwnerKey < file.Edges[j].OwnerKey
		}
		return file.Edges[i].FriendKey < file.Edges[j].FriendKey
	})
	for _, v := range s.videosByContent {
		file.Videos = append(file.Videos, v)
	}
	sort.Slice(file.Videos, func(i, j int) bool { return file.Videos[i].ID < file.Videos[j].ID })
	for _, w := range s.watches {
		file.Watches = append(file.Watches, w)
	}
	sort.Slice(file.Watches, func(i, j int) bool {
		if file.Watches[i].IdentityID != file.Watches[j].IdentityID {
			return file.Watches[i].IdentityID < file.Watches[j].IdentityID
		}
		return file.Watches[i].VideoID < file.Watches[j].VideoID
	})
	return file
}

// unlockAndPersist releases s.mu after handing the snapshot to the writer, so
// snapshots reach disk in the order they were taken.
func (s *Store) unlockAndPersist() {
	file := s.snapshotLocked()
	if file == nil {
		s.mu.Unlock()
		return
	}
	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()

	if err := s.writeStateFile(file); err != nil {
		s.logger.Error("state persistence: write failed", "path", s.stateFile, "error", err)
	}
}

func (s *Store) writeStateFile(file *persistedStateFile) error {
	path := s.stateFile
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	file.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmpName, path)
}
