// Package syncstream implements the incremental sync-stream protocol: the
// entity-type catalogue, the ack token codec, the stream engine which turns a
// client request into an ordered sequence of typed events, and the ack
// processor which commits acknowledged progress markers.
package syncstream

import (
	"os"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// RequestType is what a client asks for in a stream request.
type RequestType string

const (
	RequestAuthUsers     RequestType = "AuthUsersV1"
	RequestUsers         RequestType = "UsersV1"
	RequestAssets        RequestType = "AssetsV1"
	RequestPartnerAssets RequestType = "PartnerAssetsV1"
	RequestAlbums        RequestType = "AlbumsV1"
	RequestAlbumToAssets RequestType = "AlbumToAssetsV1"
	RequestAssetExifs    RequestType = "AssetExifsV1"
	RequestPeople        RequestType = "PeopleV1"
	RequestAssetFaces    RequestType = "AssetFacesV1"
)

// EntityType is a wire-level event type. Each request type expands into one or
// more of these: an upsert variant, optionally a delete variant carrying only
// identifying keys, and optionally a backfill variant for historical records a
// client has newly gained visibility into.
type EntityType string

const (
	EntityAuthUser             EntityType = "AuthUserV1"
	EntityUser                 EntityType = "UserV1"
	EntityUserDelete           EntityType = "UserDeleteV1"
	EntityAsset                EntityType = "AssetV1"
	EntityAssetDelete          EntityType = "AssetDeleteV1"
	EntityPartnerAsset         EntityType = "PartnerAssetV1"
	EntityPartnerAssetDelete   EntityType = "PartnerAssetDeleteV1"
	EntityPartnerAssetBackfill EntityType = "PartnerAssetBackfillV1"
	EntityAlbum                EntityType = "AlbumV1"
	EntityAlbumDelete          EntityType = "AlbumDeleteV1"
	EntityAlbumToAsset         EntityType = "AlbumToAssetV1"
	EntityAlbumToAssetDelete   EntityType = "AlbumToAssetDeleteV1"
	EntityAlbumToAssetBackfill EntityType = "AlbumToAssetBackfillV1"
	EntityAssetExif            EntityType = "AssetExifV1"
	EntityPerson               EntityType = "PersonV1"
	EntityPersonDelete         EntityType = "PersonDeleteV1"
	EntityAssetFace            EntityType = "AssetFaceV1"
	EntityAssetFaceDelete      EntityType = "AssetFaceDeleteV1"
	EntitySyncAck              EntityType = "SyncAckV1"
	EntitySyncComplete         EntityType = "SyncCompleteV1"
	EntitySyncReset            EntityType = "SyncResetV1"
)

// Phase of a multi-phase entity type. Single-phase types only ever run
// PhaseUpdate (a delete-then-upsert query). Three-phase types run historical
// backfill, then updates to previously-seen records, then brand-new
// associations.
type Phase uint8

const (
	PhaseBackfill Phase = iota + 1
	PhaseUpdate
	PhaseCreate
)

func (p Phase) String() string {
	switch p {
	case PhaseBackfill:
		return "backfill"
	case PhaseUpdate:
		return "update"
	case PhaseCreate:
		return "create"
	}
	return "unknown"
}

// TypeConfig maps one request type onto its wire-level event types and phase
// list. Adding a new multi-phase type is a row in this table, not new control
// flow.
type TypeConfig struct {
	Request  RequestType
	Phases   []Phase
	Upsert   EntityType // wire type for update/create records
	Delete   EntityType // wire delete variant, "" if the type has none
	Backfill EntityType // wire backfill variant, "" if single-phase
}

var singlePhase = []Phase{PhaseUpdate}
var threePhase = []Phase{PhaseBackfill, PhaseUpdate, PhaseCreate}

// typeOrder is the canonical processing order. It is fixed across versions:
// dependent types (e.g. album-to-asset links) come after the types they
// reference, so a client always knows the parent record before the link.
var typeOrder = []TypeConfig{
	{RequestAuthUsers, singlePhase, EntityAuthUser, "", ""},
	{RequestUsers, singlePhase, EntityUser, EntityUserDelete, ""},
	{RequestAssets, singlePhase, EntityAsset, EntityAssetDelete, ""},
	{RequestPartnerAssets, threePhase, EntityPartnerAsset, EntityPartnerAssetDelete, EntityPartnerAssetBackfill},
	{RequestAlbums, singlePhase, EntityAlbum, EntityAlbumDelete, ""},
	{RequestAlbumToAssets, threePhase, EntityAlbumToAsset, EntityAlbumToAssetDelete, EntityAlbumToAssetBackfill},
	{RequestAssetExifs, singlePhase, EntityAssetExif, "", ""},
	{RequestPeople, singlePhase, EntityPerson, EntityPersonDelete, ""},
	{RequestAssetFaces, singlePhase, EntityAssetFace, EntityAssetFaceDelete, ""},
}

var requestTypes = func() map[RequestType]TypeConfig {
	m := make(map[RequestType]TypeConfig, len(typeOrder))
	for _, cfg := range typeOrder {
		m[cfg.Request] = cfg
	}
	return m
}()

var entityTypes = func() map[EntityType]struct{} {
	m := map[EntityType]struct{}{
		EntitySyncAck:      {},
		EntitySyncComplete: {},
		EntitySyncReset:    {},
	}
	for _, cfg := range typeOrder {
		m[cfg.Upsert] = struct{}{}
		if cfg.Delete != "" {
			m[cfg.Delete] = struct{}{}
		}
		if cfg.Backfill != "" {
			m[cfg.Backfill] = struct{}{}
		}
	}
	return m
}()

// ConfigFor returns the catalogue entry for a request type.
func ConfigFor(request RequestType) (TypeConfig, bool) {
	cfg, ok := requestTypes[request]
	return cfg, ok
}

// ValidRequestType reports whether the string names a known request type.
func ValidRequestType(s string) bool {
	_, ok := requestTypes[RequestType(s)]
	return ok
}

// ValidEntityType reports whether the string names a known wire type.
func ValidEntityType(s string) bool {
	_, ok := entityTypes[EntityType(s)]
	return ok
}
