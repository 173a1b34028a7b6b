package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"peekrelay/internal/hub"
	"peekrelay/internal/registry"
)

// AdminHandler exposes read-only views of the live relay state.
type AdminHandler struct {
	Registry *registry.Registry
	Hub      *hub.Hub
	Started  time.Time
}

type connectionView struct {
	ConnectionID  string     `json:"connectionId"`
	IdentityKey   string     `json:"identityKey"`
	State         string     `json:"state"`
	CurrentWatch  *watchView `json:"currentWatch,omitempty"`
	OnlineFriends []string   `json:"onlineFriends"`
}

type watchView struct {
	URL          string `json:"videoUrl"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl"`
	ObservedAt   int64  `json:"observedAt"`
}

func (h *AdminHandler) Connections(c *gin.Context) {
	entries := h.Registry.SnapshotAll()
	views := make([]connectionView, 0, len(entries))
	for _, e := range entries {
		v := connectionView{
			ConnectionID:  e.ConnectionID,
			IdentityKey:   e.IdentityKey,
			State:         e.State().String(),
			OnlineFriends: make([]string, 0, len(e.OnlineFriendRefs)),
		}
		if e.CurrentWatch != nil {
			v.CurrentWatch = &watchView{
				URL:          e.CurrentWatch.URL,
				Title:        e.CurrentWatch.Title,
				ThumbnailURL: e.CurrentWatch.ThumbnailURL,
				ObservedAt:   e.CurrentWatch.ObservedAt,
			}
		}
		for _, ref := range e.OnlineFriendRefs {
			v.OnlineFriends = append(v.OnlineFriends, ref.IdentityKey)
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

func (h *AdminHandler) Stats(c *gin.Context) {
	watching := 0
	entries := h.Registry.SnapshotAll()
	for _, e := range entries {
		if e.State() == registry.Watching {
			watching++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"registryEntries": len(entries),
		"watching":        watching,
		"hubConnections":  h.Hub.Len(),
		"uptimeSeconds":   int64(time.Since(h.Started).Seconds()),
	})
}
