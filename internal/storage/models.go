package storage

import (
	"sort"
	"time"
)

// Account is a local account, named after its credential files.
type Account struct {
	// ID is the local surrogate key.
	ID int64 `json:"id" db:"id"`
	// Name is the external-facing identifier.
	Name string `json:"name" db:"name"`
	// CreatedAt is when the account was first referenced.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Enrichment holds the per-channel statistics that cost extra remote calls.
type Enrichment struct {
	// CreatedAt is when the channel was created on the remote service.
	CreatedAt time.Time `json:"created_at"`
	// TotalVideoCount is the channel's public video count.
	TotalVideoCount int64 `json:"total_video_count"`
	// LastUploadAt is the publish time of the newest upload; zero when unknown.
	LastUploadAt time.Time `json:"last_upload_at,omitempty"`
	// UploadFrequency is videos per day between CreatedAt and LastUploadAt.
	UploadFrequency float64 `json:"upload_frequency"`
	// FetchedAt is when this block was obtained.
	FetchedAt time.Time `json:"fetched_at"`
}

// Subscription is one remote channel, shared by every local account subscribed to it.
type Subscription struct {
	// ChannelID is the stable external identifier and primary key.
	ChannelID string `json:"channel_id"`
	// Title is the channel title as of the last listing.
	Title string `json:"title"`
	// Description is the channel description as of the last listing.
	Description string `json:"description,omitempty"`
	// PublishedAt is when the subscription (or channel) was published.
	PublishedAt time.Time `json:"published_at"`
	// Enrichment is nil until channel statistics have been fetched.
	Enrichment *Enrichment `json:"enrichment,omitempty"`
	// Members is the sorted set of local account IDs subscribed to the channel.
	Members []int64 `json:"members"`
	// UpdatedAt is when this record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMember reports whether accountID is in the membership set.
func (s *Subscription) HasMember(accountID int64) bool {
	i := sort.Search(len(s.Members), func(i int) bool { return s.Members[i] >= accountID })
	return i < len(s.Members) && s.Members[i] == accountID
}

// AddMember adds accountID to the membership set and reports whether it was new.
func (s *Subscription) AddMember(accountID int64) bool {
	i := sort.Search(len(s.Members), func(i int) bool { return s.Members[i] >= accountID })
	if i < len(s.Members) && s.Members[i] == accountID {
		return false
	}
	s.Members = append(s.Members, 0)
	copy(s.Members[i+1:], s.Members[i:])
	s.Members[i] = accountID
	return true
}

// Clone returns a deep copy of the record.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Members = append([]int64(nil), s.Members...)
	if s.Enrichment != nil {
		e := *s.Enrichment
		c.Enrichment = &e
	}
	return &c
}

// ProblemFlag records a permanently failed import attempt.
type ProblemFlag struct {
	ChannelID string    `json:"channel_id" db:"channel_id"`
	AccountID int64     `json:"account_id" db:"account_id"`
	Reason    string    `json:"reason" db:"reason"`
	FlaggedAt time.Time `json:"flagged_at" db:"flagged_at"`
}

// WatchHistoryItem is one entry from a takeout watch-history export.
type WatchHistoryItem struct {
	// ID is the internal UUID, assigned on first insert.
	ID string `json:"id" db:"id"`
	// AccountID owns the item.
	AccountID int64 `json:"account_id" db:"account_id"`
	// Position is the item's zero-based index in the export file.
	Position int `json:"position" db:"position"`
	Title    string `json:"title" db:"title"`
	URL      string `json:"url" db:"url"`
	// WatchTime is the export's textual timestamp, kept verbatim.
	WatchTime string `json:"watch_time" db:"watch_time"`
	VideoID   string `json:"video_id,omitempty" db:"video_id"`
	ChannelID string `json:"channel_id,omitempty" db:"channel_id"`
	// ProcessedAt is when the item was stored.
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}
