// Package youtube is the boundary to the YouTube Data API v3.
//
// Each API value is bound to one account's authenticated HTTP client. Calls are
// single attempts: retrying and budget accounting belong to the caller.
package youtube

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// PageSize is the maximum page size accepted by subscriptions.list.
const PageSize = 50

// SubscriptionItem is one entry of the authenticated account's subscription list.
type SubscriptionItem struct {
	ChannelID   string
	Title       string
	Description string
	PublishedAt time.Time
}

// SubscriptionPage is one page of subscriptions. NextCursor is empty on the last page.
type SubscriptionPage struct {
	Items      []SubscriptionItem
	NextCursor string
}

// ChannelDetail carries the statistics needed for enrichment.
type ChannelDetail struct {
	ChannelID         string
	Title             string
	CreatedAt         time.Time
	VideoCount        int64
	UploadsPlaylistID string
}

// PlaylistItem is one video of a playlist.
type PlaylistItem struct {
	VideoID     string
	Title       string
	PublishedAt time.Time
}

// API is the remote surface used by the sync passes.
type API interface {
	// ListSubscriptions returns the page at cursor; an empty cursor is the first page.
	ListSubscriptions(ctx context.Context, cursor string) (*SubscriptionPage, error)
	// GetChannelDetail fails with ErrNotFound for deleted or private channels.
	GetChannelDetail(ctx context.Context, channelID string) (*ChannelDetail, error)
	// ListPlaylistItems returns up to limit items, newest first for uploads playlists.
	ListPlaylistItems(ctx context.Context, playlistID string, limit int) ([]PlaylistItem, error)
	// Subscribe fails with ErrDuplicate when already subscribed and ErrNotFound
	// when the channel does not exist.
	Subscribe(ctx context.Context, channelID string) error
}

var _ API = (*DataAPI)(nil)

// DataAPI implements API with the generated youtube/v3 client.
type DataAPI struct {
	svc   *yt.Service
	pacer *Pacer
}

// NewDataAPI creates a client that sends requests through httpClient.
// Extra options are appended, which lets tests point the service at a local endpoint.
func NewDataAPI(ctx context.Context, httpClient *http.Client, pacer *Pacer, opts ...option.ClientOption) (*DataAPI, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &DataAPI{svc: svc, pacer: pacer}, nil
}

func (d *DataAPI) ListSubscriptions(ctx context.Context, cursor string) (*SubscriptionPage, error) {
	if err := d.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	call := d.svc.Subscriptions.List([]string{"snippet"}).
		Mine(true).
		MaxResults(PageSize).
		Order("alphabetical").
		Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}

	resp, err := call.Do()
	if err != nil {
		err = translate("subscriptions.list", err)
		d.pacer.Observe(err)
		return nil, err
	}

	d.pacer.Observe(nil)

	page := &SubscriptionPage{NextCursor: resp.NextPageToken}
	for _, item := range resp.Items {
		if item.Snippet == nil || item.Snippet.ResourceId == nil || item.Snippet.ResourceId.ChannelId == "" {
			continue
		}
		page.Items = append(page.Items, SubscriptionItem{
			ChannelID:   item.Snippet.ResourceId.ChannelId,
			Title:       item.Snippet.Title,
			Description: item.Snippet.Description,
			PublishedAt: parseTime(item.Snippet.PublishedAt),
		})
	}
	return page, nil
}

func (d *DataAPI) GetChannelDetail(ctx context.Context, channelID string) (*ChannelDetail, error) {
	if err := d.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := d.svc.Channels.List([]string{"snippet", "statistics", "contentDetails"}).
		Id(channelID).
		Context(ctx).
		Do()
	if err != nil {
		err = translate("channels.list", err)
		d.pacer.Observe(err)
		return nil, err
	}
	d.pacer.Observe(nil)
	if len(resp.Items) == 0 {
		return nil, &APIError{
			Op:         "channels.list",
			StatusCode: http.StatusNotFound,
			Reason:     "channelNotFound",
			Err:        fmt.Errorf("%w: %s", ErrNotFound, channelID),
		}
	}

	ch := resp.Items[0]
	detail := &ChannelDetail{ChannelID: ch.Id}
	if ch.Snippet != nil {
		detail.Title = ch.Snippet.Title
		detail.CreatedAt = parseTime(ch.Snippet.PublishedAt)
	}
	if ch.Statistics != nil {
		detail.VideoCount = int64(ch.Statistics.VideoCount)
	}
	if ch.ContentDetails != nil && ch.ContentDetails.RelatedPlaylists != nil {
		detail.UploadsPlaylistID = ch.ContentDetails.RelatedPlaylists.Uploads
	}
	return detail, nil
}

func (d *DataAPI) ListPlaylistItems(ctx context.Context, playlistID string, limit int) ([]PlaylistItem, error) {
	if err := d.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > PageSize {
		limit = PageSize
	}

	resp, err := d.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		err = translate("playlistItems.list", err)
		d.pacer.Observe(err)
		return nil, err
	}

	d.pacer.Observe(nil)

	items := make([]PlaylistItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		var p PlaylistItem
		if it.Snippet != nil {
			p.Title = it.Snippet.Title
			p.PublishedAt = parseTime(it.Snippet.PublishedAt)
		}
		if it.ContentDetails != nil {
			p.VideoID = it.ContentDetails.VideoId
			if t := parseTime(it.ContentDetails.VideoPublishedAt); !t.IsZero() {
				p.PublishedAt = t
			}
		}
		items = append(items, p)
	}
	return items, nil
}

func (d *DataAPI) Subscribe(ctx context.Context, channelID string) error {
	if err := d.pacer.Wait(ctx); err != nil {
		return err
	}

	sub := &yt.Subscription{
		Snippet: &yt.SubscriptionSnippet{
			ResourceId: &yt.ResourceId{Kind: "youtube#channel", ChannelId: channelID},
		},
	}
	if _, err := d.svc.Subscriptions.Insert([]string{"snippet"}, sub).Context(ctx).Do(); err != nil {
		err = translate("subscriptions.insert", err)
		d.pacer.Observe(err)
		return err
	}
	d.pacer.Observe(nil)
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
