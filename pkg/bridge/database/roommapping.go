// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// RoomMapping binds a Matrix room to a Mattermost channel. Mappings are
// created once and never mutated; room lifecycle deletion is out of scope.
type RoomMapping struct {
	RoomID         id.RoomID
	ChannelID      string
	IsDirect       bool
	IsPrivate      bool
	FromMattermost bool
	Info           string
}

func newRoomMapping(_ *dbutil.QueryHelper[*RoomMapping]) *RoomMapping {
	return &RoomMapping{}
}

func (rm *RoomMapping) Scan(row dbutil.Scannable) (*RoomMapping, error) {
	err := row.Scan(&rm.RoomID, &rm.ChannelID, &rm.IsDirect, &rm.IsPrivate, &rm.FromMattermost, &rm.Info)
	return dbutil.ValueOrErr(rm, err)
}

// MappingQuery provides access to the room_mapping table.
type MappingQuery struct {
	*dbutil.QueryHelper[*RoomMapping]
}

const (
	getMappingByRoomQuery = `
		SELECT room_id, channel_id, is_direct, is_private, from_mattermost, info
		FROM room_mapping WHERE room_id=$1
	`
	getMappingByChannelQuery = `
		SELECT room_id, channel_id, is_direct, is_private, from_mattermost, info
		FROM room_mapping WHERE channel_id=$1
	`
	getNonDirectMappingsQuery = `
		SELECT room_id, channel_id, is_direct, is_private, from_mattermost, info
		FROM room_mapping WHERE is_direct=false
	`
	insertMappingQuery = `
		INSERT INTO room_mapping (room_id, channel_id, is_direct, is_private, from_mattermost, info)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
)

func (mq *MappingQuery) GetByRoomID(ctx context.Context, roomID id.RoomID) (*RoomMapping, error) {
	return mq.QueryOne(ctx, getMappingByRoomQuery, roomID)
}

func (mq *MappingQuery) GetByChannelID(ctx context.Context, channelID string) (*RoomMapping, error) {
	return mq.QueryOne(ctx, getMappingByChannelQuery, channelID)
}

// GetAllNonDirect returns every channel mapping. Direct/group conversation
// mappings are excluded; they never participate in team membership cleanup.
func (mq *MappingQuery) GetAllNonDirect(ctx context.Context) ([]*RoomMapping, error) {
	return mq.QueryMany(ctx, getNonDirectMappingsQuery)
}

func (mq *MappingQuery) Insert(ctx context.Context, rm *RoomMapping) error {
	return mq.Exec(ctx, insertMappingQuery,
		rm.RoomID, rm.ChannelID, rm.IsDirect, rm.IsPrivate, rm.FromMattermost, rm.Info)
}
