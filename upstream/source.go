package upstream

import (
	"context"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/gumnut-photos/immich-adapter/store"
	"github.com/gumnut-photos/immich-adapter/syncstream"
)

// resourceInfo maps a request type onto the backend resource it reads and the
// key field its delete tombstones carry.
type resourceInfo struct {
	resource  string
	deleteKey string
}

var resources = map[syncstream.RequestType]resourceInfo{
	syncstream.RequestAssets:        {"asset", "assetId"},
	syncstream.RequestPartnerAssets: {"partner_asset", "assetId"},
	syncstream.RequestAlbums:        {"album", "albumId"},
	syncstream.RequestAlbumToAssets: {"album_asset", "id"},
	syncstream.RequestAssetExifs:    {"exif", "assetId"},
	syncstream.RequestPeople:        {"person", "personId"},
	syncstream.RequestAssetFaces:    {"face", "assetFaceId"},
}

// Provider hands the stream engine a per-session view of the backend.
type Provider struct {
	Client Client
}

func (p *Provider) SourceFor(session *store.Session) syncstream.Source {
	return &source{
		client:     p.Client,
		credential: session.Credential,
		subject:    session.Subject,
	}
}

type source struct {
	client     Client
	credential string
	subject    string
}

func (s *source) Changes(ctx context.Context, q syncstream.Query) (*syncstream.Page, error) {
	cfg, ok := syncstream.ConfigFor(q.Request)
	if !ok {
		return nil, fmt.Errorf("unknown request type %q", q.Request)
	}
	if q.Request == syncstream.RequestAuthUsers || q.Request == syncstream.RequestUsers {
		return s.userPage(ctx, q, cfg)
	}
	info, ok := resources[q.Request]
	if !ok {
		return nil, fmt.Errorf("no backend resource for %q", q.Request)
	}

	eq := EventsQuery{
		Resource:      info.resource,
		UpdatedAfter:  q.Since,
		CreatedBefore: q.Until,
		AfterCursor:   q.Cursor,
		Limit:         q.Limit,
	}
	switch q.Phase {
	case syncstream.PhaseBackfill:
		eq.Scope = "history"
	case syncstream.PhaseCreate:
		eq.Scope = "created"
	}
	events, err := s.client.Events(ctx, s.credential, eq)
	if err != nil {
		return nil, err
	}

	// Batch-fetch payloads for the upsert events. Deduplicate preserving
	// order so a record touched twice in one page is fetched once.
	var upsertIDs []string
	seen := map[string]struct{}{}
	for _, ev := range events.Events {
		if ev.EventType == "deleted" {
			continue
		}
		if _, ok := seen[ev.EntityID]; ok {
			continue
		}
		seen[ev.EntityID] = struct{}{}
		upsertIDs = append(upsertIDs, ev.EntityID)
	}
	var entities map[string][]byte
	if len(upsertIDs) > 0 {
		entities, err = s.client.Entities(ctx, s.credential, info.resource, upsertIDs)
		if err != nil {
			return nil, err
		}
	}

	upsertType := cfg.Upsert
	if q.Phase == syncstream.PhaseBackfill {
		upsertType = cfg.Backfill
	}
	page := &syncstream.Page{HasMore: events.HasMore}
	for _, ev := range events.Events {
		if ev.EventType == "deleted" {
			if cfg.Delete == "" {
				continue // type has no delete variant; advance past the event
			}
			data, err := sjson.SetBytes([]byte(`{}`), info.deleteKey, ev.EntityID)
			if err != nil {
				return nil, err
			}
			page.Records = append(page.Records, syncstream.Record{
				Type:      cfg.Delete,
				ID:        ev.EntityID,
				UpdatedAt: ev.CreatedAt,
				Data:      data,
			})
			continue
		}
		entity, ok := entities[ev.EntityID]
		if !ok {
			// Deleted between the event page and the batch fetch; the delete
			// event further down the feed covers it.
			continue
		}
		data, err := sjson.SetBytes(entity, "ownerId", s.subject)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, syncstream.Record{
			Type:      upsertType,
			ID:        ev.EntityID,
			UpdatedAt: ev.CreatedAt,
			Data:      data,
		})
	}
	if n := len(events.Events); n > 0 {
		page.Cursor = events.Events[n-1].Cursor
	}
	return page, nil
}

// userPage serves the two account-shaped types, which have no change feed.
// The account record's own updated_at is its marker, so an unchanged account
// is filtered out by the caller's since bound.
func (s *source) userPage(ctx context.Context, q syncstream.Query, cfg syncstream.TypeConfig) (*syncstream.Page, error) {
	account, err := s.client.WhoAmI(ctx, s.credential)
	if err != nil {
		return nil, err
	}
	data := account.Raw
	if q.Request == syncstream.RequestUsers {
		// Public profile subset, not the full auth record.
		data = []byte(`{}`)
		for _, field := range []struct{ key, val string }{
			{"id", account.ID},
			{"email", account.Email},
			{"name", account.Name},
		} {
			if data, err = sjson.SetBytes(data, field.key, field.val); err != nil {
				return nil, err
			}
		}
	}
	return &syncstream.Page{
		Records: []syncstream.Record{{
			Type:      cfg.Upsert,
			ID:        account.ID,
			UpdatedAt: account.UpdatedAt,
			Data:      data,
		}},
	}, nil
}
