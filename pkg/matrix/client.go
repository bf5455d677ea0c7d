// Copyright 2024-2026 Aiku AI

// Package matrix adapts the mautrix client to the narrow collaborator
// surface the bridge core consumes.
package matrix

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge"
)

// Client wraps a mautrix client as the bridge's Matrix collaborator.
type Client struct {
	cli *mautrix.Client
	log zerolog.Logger
}

var _ bridge.MatrixAPI = (*Client)(nil)

func NewClient(cli *mautrix.Client, log zerolog.Logger) *Client {
	return &Client{
		cli: cli,
		log: log.With().Str("component", "matrix_client").Logger(),
	}
}

func (c *Client) SendNotice(ctx context.Context, roomID id.RoomID, html string) error {
	_, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          format.HTMLToText(html),
		Format:        event.FormatHTML,
		FormattedBody: html,
	})
	if err != nil {
		return fmt.Errorf("failed to send notice to %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.JoinRoomByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.LeaveRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to leave %s: %w", roomID, err)
	}
	return nil
}

// GetRoomMembers returns the member state events matching any of the given
// memberships, flattened to the fields the core reads.
func (c *Client) GetRoomMembers(ctx context.Context, roomID id.RoomID, memberships ...event.Membership) ([]bridge.RoomMember, error) {
	var members []bridge.RoomMember
	for _, membership := range memberships {
		resp, err := c.cli.Members(ctx, roomID, mautrix.ReqMembers{Membership: membership})
		if err != nil {
			return nil, fmt.Errorf("failed to get %s members of %s: %w", membership, roomID, err)
		}
		for _, evt := range resp.Chunk {
			if evt.StateKey == nil {
				continue
			}
			content := evt.Content.AsMember()
			members = append(members, bridge.RoomMember{
				UserID:      id.UserID(*evt.StateKey),
				Membership:  content.Membership,
				Displayname: content.Displayname,
			})
		}
	}
	return members, nil
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	resp, err := c.cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined members of %s: %w", roomID, err)
	}
	joined := make(map[id.UserID]struct{}, len(resp.Joined))
	for userID := range resp.Joined {
		joined[userID] = struct{}{}
	}
	return joined, nil
}

// GetRoomState fetches the full room state and extracts the name and
// canonical alias.
func (c *Client) GetRoomState(ctx context.Context, roomID id.RoomID) (*bridge.RoomState, error) {
	state, err := c.cli.State(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get state of %s: %w", roomID, err)
	}
	var rs bridge.RoomState
	if evt, ok := state[event.StateRoomName][""]; ok {
		rs.Name = evt.Content.AsRoomName().Name
	}
	if evt, ok := state[event.StateCanonicalAlias][""]; ok {
		rs.CanonicalAlias = string(evt.Content.AsCanonicalAlias().Alias)
	}
	return &rs, nil
}

func (c *Client) GetDisplayName(ctx context.Context, userID id.UserID) (string, error) {
	resp, err := c.cli.GetDisplayName(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get displayname of %s: %w", userID, err)
	}
	return resp.DisplayName, nil
}

func (c *Client) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	data, err := c.cli.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	return data, nil
}
