package xclient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"driftwire/internal/model"
	"driftwire/internal/util"
)

// ErrMalformedPayload is returned when a remote record lacks a field we
// cannot default (key, author, timestamp, category).
var ErrMalformedPayload = errors.New("malformed payload")

type rawAuthor struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type rawRef struct {
	URI string `json:"uri"`
}

type rawReply struct {
	Parent rawRef `json:"parent"`
	Root   rawRef `json:"root"`
}

type rawRecord struct {
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *rawReply `json:"reply,omitempty"`
	Subject   *rawRef   `json:"subject,omitempty"`
}

type rawEmbed struct {
	Type string `json:"$type"`
}

// RawPost is a post view as served by the feed endpoints.
type RawPost struct {
	URI         string     `json:"uri"`
	Author      *rawAuthor `json:"author"`
	Record      *rawRecord `json:"record"`
	Embed       *rawEmbed  `json:"embed,omitempty"`
	LikeCount   *int       `json:"likeCount"`
	RepostCount *int       `json:"repostCount"`
	ReplyCount  *int       `json:"replyCount"`
	QuoteCount  *int       `json:"quoteCount"`
	IndexedAt   string     `json:"indexedAt"`
}

// RawNotification is one entry of listNotifications.
type RawNotification struct {
	URI           string     `json:"uri"`
	Author        *rawAuthor `json:"author"`
	Reason        string     `json:"reason"`
	ReasonSubject string     `json:"reasonSubject"`
	Record        *rawRecord `json:"record"`
	IsRead        bool       `json:"isRead"`
	IndexedAt     string     `json:"indexedAt"`
}

var threadMarkers = []string{"🧵", "(thread)", "a thread"}

// NormalizePost converts a raw post into a canonical Post. Missing counters
// are zero; a missing uri, author or timestamp is an error.
func NormalizePost(raw RawPost) (model.Post, error) {
	var p model.Post
	if raw.URI == "" {
		return p, fmt.Errorf("%w: post without uri", ErrMalformedPayload)
	}
	if raw.Author == nil || raw.Author.DID == "" {
		return p, fmt.Errorf("%w: post %s without author", ErrMalformedPayload, raw.URI)
	}
	if raw.Record == nil {
		return p, fmt.Errorf("%w: post %s without record", ErrMalformedPayload, raw.URI)
	}
	created, err := parseTime(raw.Record.CreatedAt, raw.IndexedAt)
	if err != nil {
		return p, fmt.Errorf("%w: post %s: %v", ErrMalformedPayload, raw.URI, err)
	}
	p = model.Post{
		Key:       raw.URI,
		AuthorID:  raw.Author.DID,
		Text:      raw.Record.Text,
		CreatedAt: created,
		Likes:     deref(raw.LikeCount),
		Reposts:   deref(raw.RepostCount),
		Replies:   deref(raw.ReplyCount),
		Quotes:    deref(raw.QuoteCount),
		HasMedia:  raw.Embed != nil && isMediaEmbed(raw.Embed.Type),
		IsReply:   raw.Record.Reply != nil,
	}
	p.IsThread = isThread(raw)
	return p, nil
}

func isThread(raw RawPost) bool {
	if r := raw.Record.Reply; r != nil && raw.Author != nil {
		// self-reply chains are threads
		if strings.Contains(r.Parent.URI, raw.Author.DID) && strings.Contains(r.Root.URI, raw.Author.DID) {
			return true
		}
	}
	return util.ContainsAnyCaseInsensitive(raw.Record.Text, threadMarkers)
}

func isMediaEmbed(t string) bool {
	return strings.Contains(t, "images") || strings.Contains(t, "video") || strings.Contains(t, "recordWithMedia")
}

// NormalizeNotification converts a raw notification into an Event. Unknown
// reasons are rejected rather than mapped to a default category.
func NormalizeNotification(raw RawNotification) (model.Event, error) {
	var e model.Event
	if raw.URI == "" {
		return e, fmt.Errorf("%w: notification without uri", ErrMalformedPayload)
	}
	if raw.Author == nil || raw.Author.DID == "" {
		return e, fmt.Errorf("%w: notification %s without author", ErrMalformedPayload, raw.URI)
	}
	cat, err := model.ParseCategory(raw.Reason)
	if err != nil {
		return e, fmt.Errorf("%w: notification %s: %v", ErrMalformedPayload, raw.URI, err)
	}
	var createdAt, text string
	if raw.Record != nil {
		createdAt, text = raw.Record.CreatedAt, raw.Record.Text
	}
	at, err := parseTime(createdAt, raw.IndexedAt)
	if err != nil {
		return e, fmt.Errorf("%w: notification %s: %v", ErrMalformedPayload, raw.URI, err)
	}
	subject := raw.ReasonSubject
	if subject == "" && raw.Record != nil && raw.Record.Subject != nil {
		subject = raw.Record.Subject.URI
	}
	if cat == model.CategoryFollow {
		subject = ""
	}
	return model.Event{
		Key:          raw.URI,
		Category:     cat,
		AuthorID:     raw.Author.DID,
		AuthorHandle: raw.Author.Handle,
		CreatedAt:    at,
		Read:         raw.IsRead,
		Subject:      subject,
		Text:         text,
	}, nil
}

// parseTime takes the first non-empty candidate.
func parseTime(candidates ...string) (time.Time, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC().Truncate(time.Millisecond), nil
	}
	return time.Time{}, errors.New("missing timestamp")
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
