// Package takeout parses Google Takeout exports of YouTube data.
package takeout

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Format is the encoding of a watch-history export.
type Format string

const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
)

// ErrUnsupportedFormat is returned for formats other than html and json.
var ErrUnsupportedFormat = errors.New("takeout: unsupported format")

const youtubeDir = "YouTube and YouTube Music"

// WatchHistoryPath is where Takeout places the watch history of account under root.
func WatchHistoryPath(root, account string, format Format) string {
	return filepath.Join(root, account, "Takeout", youtubeDir, "history", "watch-history."+string(format))
}

// SubscriptionsCSVPath is where Takeout places the subscription list of account under root.
func SubscriptionsCSVPath(root, account string) string {
	return filepath.Join(root, account, "Takeout", youtubeDir, "subscriptions", "subscriptions.csv")
}

// Entry is one watched video.
type Entry struct {
	// Position is the entry's zero-based index in the export, counting entries
	// that were skipped for lacking a video link.
	Position  int
	Title     string
	URL       string
	WatchTime string
	VideoID   string
	ChannelID string
}

// ReadWatchHistory parses the export at path.
func ReadWatchHistory(path string, format Format) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("takeout: %w", err)
	}
	defer f.Close()

	switch format {
	case FormatHTML:
		return ParseWatchHistoryHTML(f)
	case FormatJSON:
		return ParseWatchHistoryJSON(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

type jsonEntry struct {
	Title     string `json:"title"`
	TitleURL  string `json:"titleUrl"`
	Time      string `json:"time"`
	Subtitles []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"subtitles"`
}

// ParseWatchHistoryJSON parses watch-history.json. Entries without a video
// link (removed videos, ads) are skipped but keep their position.
func ParseWatchHistoryJSON(r io.Reader) ([]Entry, error) {
	var raw []jsonEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("takeout: decode watch history: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		if item.TitleURL == "" {
			continue
		}
		e := Entry{
			Position:  i,
			Title:     item.Title,
			URL:       item.TitleURL,
			WatchTime: item.Time,
			VideoID:   videoID(item.TitleURL),
		}
		if len(item.Subtitles) > 0 {
			e.ChannelID = channelID(item.Subtitles[0].URL)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ChannelRow is one line of subscriptions.csv.
type ChannelRow struct {
	ChannelID string
	Title     string
	URL       string
}

// ParseSubscriptionsCSV parses subscriptions.csv. Columns are matched by header
// name; rows without a channel id are skipped.
func ParseSubscriptionsCSV(r io.Reader) ([]ChannelRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("takeout: read csv header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	idCol, ok := col["channel id"]
	if !ok {
		return nil, fmt.Errorf("takeout: csv has no %q column", "Channel Id")
	}
	field := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var rows []ChannelRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("takeout: read csv: %w", err)
		}
		if idCol >= len(rec) || strings.TrimSpace(rec[idCol]) == "" {
			continue
		}
		rows = append(rows, ChannelRow{
			ChannelID: strings.TrimSpace(rec[idCol]),
			Title:     field(rec, "channel title"),
			URL:       field(rec, "channel url"),
		})
	}
	return rows, nil
}

// videoID extracts the v parameter of a watch URL.
func videoID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("v")
}

// channelID extracts the last path segment of a channel URL.
func channelID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
