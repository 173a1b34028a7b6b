// Package resolver looks up the title and thumbnail of a YouTube video.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrNotFound          = errors.New("video not found")
	ErrMalformedResponse = errors.New("malformed metadata response")
)

type Metadata struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

type Resolver interface {
	Resolve(ctx context.Context, contentID string) (Metadata, error)
}

const (
	DefaultDataAPIBaseURL = "https://www.googleapis.com"
	DefaultOEmbedBaseURL  = "https://www.youtube.com"

	maxResponseBytes = 1 << 20
)

// YouTube resolves metadata through the Data API v3 videos endpoint.
type YouTube struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func NewYouTube(apiKey, baseURL string, client *http.Client) *YouTube {
	if baseURL == "" {
		baseURL = DefaultDataAPIBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &YouTube{APIKey: apiKey, BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

type videosResponse struct {
	Items []struct {
		Snippet struct {
			Title      string `json:"title"`
			Thumbnails struct {
				Default struct {
					URL string `json:"url"`
				} `json:"default"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

func (y *YouTube) Resolve(ctx context.Context, contentID string) (Metadata, error) {
	q := url.Values{}
	q.Set("id", contentID)
	q.Set("key", y.APIKey)
	q.Set("part", "snippet")

	var body videosResponse
	if err := getJSON(ctx, y.Client, y.BaseURL+"/youtube/v3/videos?"+q.Encode(), &body); err != nil {
		return Metadata{}, err
	}
	if len(body.Items) == 0 {
		return Metadata{}, ErrNotFound
	}
	snippet := body.Items[0].Snippet
	if snippet.Title == "" {
		return Metadata{}, fmt.Errorf("%w: empty title", ErrMalformedResponse)
	}
	return Metadata{Title: snippet.Title, ThumbnailURL: snippet.Thumbnails.Default.URL}, nil
}

// OEmbed resolves metadata through the public oEmbed endpoint, which needs no
// API key.
type OEmbed struct {
	BaseURL string
	Client  *http.Client
}

func NewOEmbed(baseURL string, client *http.Client) *OEmbed {
	if baseURL == "" {
		baseURL = DefaultOEmbedBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OEmbed{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

type oembedResponse struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
}

func (o *OEmbed) Resolve(ctx context.Context, contentID string) (Metadata, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("url", "https://www.youtube.com/watch?v="+contentID)

	var body oembedResponse
	if err := getJSON(ctx, o.Client, o.BaseURL+"/oembed?"+q.Encode(), &body); err != nil {
		return Metadata{}, err
	}
	if body.Title == "" {
		return Metadata{}, fmt.Errorf("%w: empty title", ErrMalformedResponse)
	}
	return Metadata{Title: body.Title, ThumbnailURL: body.ThumbnailURL}, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("metadata request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("metadata request: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read metadata response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
