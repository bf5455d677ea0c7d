// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

// Onboarding decline thresholds: a room needs at least one remote member
// besides the sender, and a nameless room with many members is assumed to
// be a misfire rather than a conversation worth a group channel.
const maxNamelessRemoteMembers = 7

// teamMemberPageSize is the page size for the one-shot team member listing
// during onboarding.
const teamMemberPageSize = 200

// handleUnbridgedMessage decides how a room without a mapping should be
// bound to Mattermost, creates the channel or group conversation, persists
// the mapping, and re-delivers the triggering event through it.
func (br *Bridge) handleUnbridgedMessage(ctx context.Context, evt *event.Event, content *event.MessageEventContent) error {
	log := zerolog.Ctx(ctx)

	sender, err := br.Users.ResolveOrCreate(ctx, evt.Sender)
	if err != nil {
		return fmt.Errorf("failed to resolve sender: %w", err)
	}

	members, err := br.Matrix.GetRoomMembers(ctx, evt.RoomID, event.MembershipJoin, event.MembershipInvite)
	if err != nil {
		return fmt.Errorf("failed to gather room members: %w", err)
	}

	var mmUserIDs []string
	remote, local := 0, 0
	for _, member := range members {
		if br.isBridgeManaged(member.UserID) {
			continue
		}
		puppet, resolveErr := br.Users.ResolveOrCreate(ctx, member.UserID)
		if resolveErr != nil {
			log.Warn().Err(resolveErr).Stringer("member", member.UserID).
				Msg("Failed to resolve room member, excluding from mapping")
			continue
		}
		mmUserIDs = append(mmUserIDs, puppet.MattermostUserID)
		if puppet.IsMatrixUser {
			remote++
		} else {
			local++
		}
	}

	state, err := br.Matrix.GetRoomState(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get room state: %w", err)
	}
	roomName := state.Name
	// An advertised alias marks the room as public.
	isPrivate := state.CanonicalAlias == ""

	forced := false
	if cmd := br.parseCommand(content.Body); cmd != nil {
		ov := parseMapOverride(cmd)
		if ov == nil {
			return br.handleUnbridgedCommand(ctx, evt, cmd)
		}
		roomName = ov.RoomName
		if ov.HasPrivacy {
			isPrivate = ov.Private
		}
		forced = true
	}

	if !forced && (remote-local-1 < 1 || (roomName == "" && remote > maxNamelessRemoteMembers)) {
		log.Info().Int("remote", remote).Int("local", local).
			Msg("Declining to map room")
		br.notice(ctx, evt.RoomID,
			"<strong>No mapping to Mattermost channel done</strong>. No remote users invited or too many users invited. Invited remote users=%d, local users=%d.",
			remote, local)
		return br.Matrix.LeaveRoom(ctx, evt.RoomID)
	}

	if roomName == "" {
		return br.mapToGroupChannel(ctx, evt, mmUserIDs)
	}
	return br.mapToChannel(ctx, evt, sender, mmUserIDs, roomName, isPrivate, forced)
}

// handleUnbridgedCommand answers non-map commands sent in an unmapped room.
func (br *Bridge) handleUnbridgedCommand(ctx context.Context, evt *event.Event, cmd *botCommand) error {
	switch cmd.Name {
	case "hello":
		br.notice(ctx, evt.RoomID, "Hello! The Mattermost bridge is up. This room is not mapped yet.")
	default:
		br.notice(ctx, evt.RoomID, "%s", br.commandUsage())
	}
	return nil
}

func (br *Bridge) mapToChannel(ctx context.Context, evt *event.Event, sender *PuppetUser, mmUserIDs []string, roomName string, isPrivate, forced bool) error {
	log := zerolog.Ctx(ctx)

	teamID, err := br.integrationTeam(ctx)
	if err != nil {
		return err
	}
	channelName := sanitizedRoomID(evt.RoomID)

	channel, _, err := br.MM.GetChannelByName(ctx, channelName, teamID, "")
	if err != nil && !mattermost.IsNotFound(err) {
		return fmt.Errorf("failed to check for existing channel: %w", err)
	}
	if channel != nil && !forced {
		br.notice(ctx, evt.RoomID,
			"Channel with name %s already exists in the integration team. No mapping done.", channelName)
		return br.Matrix.LeaveRoom(ctx, evt.RoomID)
	}
	if channel != nil {
		log.Info().Str("channel_id", channel.Id).Str("channel_name", channelName).
			Msg("Forced mapping bound to existing channel")
	} else {
		if err = br.ensureTeamMember(ctx, teamID, sender.MattermostUserID); err != nil {
			return fmt.Errorf("failed to add creator to team: %w", err)
		}
		channelType := model.ChannelTypeOpen
		if isPrivate {
			channelType = model.ChannelTypePrivate
		}
		channel, _, err = sender.Client.CreateChannel(ctx, &model.Channel{
			TeamId:      teamID,
			Name:        channelName,
			DisplayName: roomName,
			Purpose:     "Matrix integration",
			Header:      sender.Displayname,
			Type:        channelType,
		})
		if err != nil {
			return fmt.Errorf("failed to create channel: %w", err)
		}
	}

	// One member listing covers the whole batch instead of a per-user
	// membership check.
	teamMembers, _, err := br.MM.GetTeamMembers(ctx, teamID, 0, teamMemberPageSize, "")
	if err != nil {
		return fmt.Errorf("failed to list team members: %w", err)
	}
	inTeam := make(map[string]bool, len(teamMembers))
	for _, member := range teamMembers {
		inTeam[member.UserId] = true
	}
	for _, mmUserID := range mmUserIDs {
		if !inTeam[mmUserID] {
			if _, _, err = br.MM.AddTeamMember(ctx, teamID, mmUserID); err != nil {
				log.Warn().Err(err).Str("mattermost_user_id", mmUserID).
					Msg("Failed to add member to team")
				continue
			}
		}
		if _, _, err = br.MM.AddChannelMember(ctx, channel.Id, mmUserID); err != nil {
			log.Warn().Err(err).Str("mattermost_user_id", mmUserID).
				Msg("Failed to add member to channel")
		}
	}

	err = br.DB.Mappings.Insert(ctx, &database.RoomMapping{
		RoomID:    evt.RoomID,
		ChannelID: channel.Id,
		IsPrivate: isPrivate,
		Info:      "Channel display name: " + channel.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("failed to save room mapping: %w", err)
	}
	log.Info().Str("channel_id", channel.Id).Str("team_id", teamID).
		Msg("Room mapped to Mattermost channel")

	br.announceChannel(ctx, sender, teamID, channelName)

	// Re-deliver the triggering event so it flows through the new mapping.
	br.HandleEvent(ctx, evt)
	return nil
}

// announceChannel posts a creation note to the team's town square. Best
// effort, the mapping is already persisted.
func (br *Bridge) announceChannel(ctx context.Context, sender *PuppetUser, teamID, channelName string) {
	townSquare, _, err := br.MM.GetChannelByName(ctx, "town-square", teamID, "")
	if err != nil || townSquare == nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to find town square for announcement")
		return
	}
	_, _, err = sender.Client.CreatePost(ctx, &model.Post{
		ChannelId: townSquare.Id,
		Message:   "New channel created ~" + channelName,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to announce new channel")
	}
}

// mapToGroupChannel binds a nameless room to a Mattermost group
// conversation among the resolved puppets.
func (br *Bridge) mapToGroupChannel(ctx context.Context, evt *event.Event, mmUserIDs []string) error {
	log := zerolog.Ctx(ctx)

	channel, _, err := br.MM.CreateGroupChannel(ctx, mmUserIDs)
	if err != nil {
		return fmt.Errorf("failed to create group channel: %w", err)
	}

	stale, err := br.DB.Mappings.GetByChannelID(ctx, channel.Id)
	if err != nil {
		return fmt.Errorf("failed to check for stale mapping: %w", err)
	}
	if stale != nil && stale.RoomID == evt.RoomID {
		stale = nil
	}

	err = br.DB.Mappings.Insert(ctx, &database.RoomMapping{
		RoomID:    evt.RoomID,
		ChannelID: channel.Id,
		IsDirect:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to save direct mapping: %w", err)
	}
	log.Info().Str("channel_id", channel.Id).Msg("Room mapped to group conversation")

	br.HandleEvent(ctx, evt)

	if stale != nil {
		log.Warn().Stringer("stale_room_id", stale.RoomID).
			Str("channel_id", channel.Id).
			Msg("Group conversation was mapped to another room, abandoning it")
		br.notice(ctx, stale.RoomID,
			"This conversation has been superseded by another Matrix room. The bridge is leaving.")
		if leaveErr := br.Matrix.LeaveRoom(ctx, stale.RoomID); leaveErr != nil {
			log.Warn().Err(leaveErr).Msg("Failed to leave stale room")
		}
	}
	return nil
}

// sanitizedRoomID derives a Mattermost channel name from a room id. The
// display name may contain anything, the localpart of the room id is safe.
func sanitizedRoomID(roomID id.RoomID) string {
	name := strings.TrimPrefix(string(roomID), "!")
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[:idx]
	}
	return strings.ToLower(name)
}
