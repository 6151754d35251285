package takeout

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ParseWatchHistoryHTML parses watch-history.html. Each watched video is a
// content-cell div holding the video link, the channel link and the watch time.
func ParseWatchHistoryHTML(r io.Reader) ([]Entry, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("takeout: parse watch history: %w", err)
	}

	var cells []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" && isContentCell(n) {
			cells = append(cells, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var entries []Entry
	position := 0
	for _, cell := range cells {
		pos := position
		position++

		links := childLinks(cell)
		if len(links) == 0 {
			continue
		}
		e := Entry{
			Position:  pos,
			Title:     strings.TrimSpace(textOf(links[0])),
			URL:       attr(links[0], "href"),
			WatchTime: lastText(cell),
		}
		e.VideoID = videoID(e.URL)
		if len(links) > 1 {
			e.ChannelID = channelID(attr(links[1], "href"))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func isContentCell(n *html.Node) bool {
	classes := strings.Fields(attr(n, "class"))
	var content, body, right bool
	for _, c := range classes {
		switch c {
		case "content-cell":
			content = true
		case "mdl-typography--body-1":
			body = true
		case "mdl-typography--text-right":
			right = true
		}
	}
	return content && body && !right
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func childLinks(n *html.Node) []*html.Node {
	var links []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "a" {
			links = append(links, c)
		}
	}
	return links
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// lastText returns the last non-blank text node directly inside n.
func lastText(n *html.Node) string {
	for c := n.LastChild; c != nil; c = c.PrevSibling {
		if c.Type == html.TextNode {
			if s := strings.TrimSpace(c.Data); s != "" {
				return s
			}
		}
	}
	return ""
}
