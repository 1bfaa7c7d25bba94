package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"driftwire/internal/logging"
	"driftwire/internal/model"
)

// legacyCache is the flat JSON blob older clients wrote in place of the tables.
type legacyCache struct {
	Notifications []legacyNotification `json:"notifications"`
	LastFetch     time.Time            `json:"lastFetch"`
	FetchedPages  []int                `json:"fetchedPages"`
}

type legacyNotification struct {
	URI    string `json:"uri"`
	Reason string `json:"reason"`
	Author struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"author"`
	IndexedAt     time.Time `json:"indexedAt"`
	IsRead        bool      `json:"isRead"`
	ReasonSubject string    `json:"reasonSubject"`
	Text          string    `json:"text"`
}

// MigrateLegacy imports the legacy blob at path into the structured tables.
// It is a no-op when no blob exists. The blob is removed only after the import
// commits, so a failed import can be retried.
func (d *DB) MigrateLegacy(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrMigrationFailed, path, err)
	}
	var blob legacyCache
	if err := json.Unmarshal(b, &blob); err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", ErrMigrationFailed, path, err)
	}
	events := make([]model.Event, 0, len(blob.Notifications))
	for i, n := range blob.Notifications {
		e, err := n.toEvent()
		if err != nil {
			return 0, fmt.Errorf("%w: entry %d: %v", ErrMigrationFailed, i, err)
		}
		events = append(events, e)
	}
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			if err := putEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT known_pages FROM metadata WHERE id=1`).Scan(&raw); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var pages []int
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &pages); err != nil {
				return err
			}
		}
		for _, p := range blob.FetchedPages {
			pages = addPage(pages, p)
		}
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
			return err
		}
		return writeMetadata(ctx, tx, blob.LastFetch, pages, total)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	if err := os.Remove(path); err != nil {
		logging.Warn("legacy_remove_failed", map[string]any{"path": path, "error": err.Error()})
	}
	logging.Info("legacy_migrated", map[string]any{"path": path, "events": len(events)})
	return len(events), nil
}

func (n legacyNotification) toEvent() (model.Event, error) {
	if n.URI == "" {
		return model.Event{}, errors.New("missing uri")
	}
	if n.Author.DID == "" {
		return model.Event{}, fmt.Errorf("%s: missing author", n.URI)
	}
	cat, err := model.ParseCategory(n.Reason)
	if err != nil {
		return model.Event{}, fmt.Errorf("%s: %w", n.URI, err)
	}
	return model.Event{
		Key:          n.URI,
		Category:     cat,
		AuthorID:     n.Author.DID,
		AuthorHandle: n.Author.Handle,
		CreatedAt:    n.IndexedAt.UTC(),
		Read:         n.IsRead,
		Subject:      n.ReasonSubject,
		Text:         n.Text,
	}, nil
}
