// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

func (br *Bridge) handleMembership(ctx context.Context, evt *event.Event) error {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || evt.StateKey == nil {
		zerolog.Ctx(ctx).Warn().Msg("Dropping member event with unparseable content")
		return nil
	}
	target := id.UserID(*evt.StateKey)

	mapping, err := br.DB.Mappings.GetByRoomID(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get room mapping: %w", err)
	}
	if mapping == nil {
		// Accept invites addressed to the bot so unmapped rooms can reach
		// the onboarding path on their first message.
		if content.Membership == event.MembershipInvite && target == br.Config.Matrix.UserID {
			return br.Matrix.JoinRoom(ctx, evt.RoomID)
		}
		return nil
	}
	if mapping.IsDirect || br.isBridgeManaged(target) {
		return nil
	}

	switch content.Membership {
	case event.MembershipJoin:
		return br.memberJoin(ctx, mapping, target)
	case event.MembershipLeave:
		return br.memberLeave(ctx, mapping, target)
	case event.MembershipBan:
		// A ban leaves the channel the same way a voluntary leave does.
		return br.memberLeave(ctx, mapping, target)
	case event.MembershipInvite, event.MembershipKnock:
		return nil
	default:
		zerolog.Ctx(ctx).Debug().Str("membership", string(content.Membership)).
			Msg("Ignoring membership state")
		return nil
	}
}

func (br *Bridge) memberJoin(ctx context.Context, mapping *database.RoomMapping, target id.UserID) error {
	user, err := br.Users.ResolveOrCreate(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to resolve joining user: %w", err)
	}
	if err = br.Users.UpdateUser(ctx, user); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to sync displayname on join")
	}
	return br.repairMembership(ctx, user, mapping.ChannelID, "")
}

// memberLeave removes the puppet from the channel and, if it is no longer
// present in any other room bridged into the same team, from the team.
func (br *Bridge) memberLeave(ctx context.Context, mapping *database.RoomMapping, target id.UserID) error {
	user, err := br.Users.ResolveStored(ctx, target)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	_, err = br.MM.RemoveUserFromChannel(ctx, mapping.ChannelID, user.MattermostUserID)
	if err != nil && !mattermost.IsNotFound(err) {
		return fmt.Errorf("failed to remove user from channel: %w", err)
	}

	channel, _, err := br.MM.GetChannel(ctx, mapping.ChannelID, "")
	if err != nil {
		return fmt.Errorf("failed to get channel for team cleanup: %w", err)
	}
	if channel.TeamId == "" {
		return nil
	}

	mappings, err := br.DB.Mappings.GetAllNonDirect(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mappings for team cleanup: %w", err)
	}

	// Check every other room bridged into the same team in parallel. The
	// user stays a team member as long as one of them still has them.
	var stillJoined atomic.Bool
	eg, egCtx := errgroup.WithContext(ctx)
	for _, other := range mappings {
		if other.RoomID == mapping.RoomID {
			continue
		}
		eg.Go(func() error {
			otherChannel, _, chErr := br.MM.GetChannel(egCtx, other.ChannelID, "")
			if mattermost.IsNotFound(chErr) {
				return nil
			}
			if chErr != nil {
				return fmt.Errorf("failed to get channel %s: %w", other.ChannelID, chErr)
			}
			if otherChannel.TeamId != channel.TeamId {
				return nil
			}
			joined, jErr := br.Matrix.JoinedMembers(egCtx, other.RoomID)
			if jErr != nil {
				return fmt.Errorf("failed to get members of %s: %w", other.RoomID, jErr)
			}
			if _, ok := joined[target]; ok {
				stillJoined.Store(true)
			}
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return err
	}
	if stillJoined.Load() {
		return nil
	}

	_, err = br.MM.RemoveTeamMember(ctx, channel.TeamId, user.MattermostUserID)
	if err != nil && !mattermost.IsNotFound(err) {
		return fmt.Errorf("failed to remove user from team: %w", err)
	}
	zerolog.Ctx(ctx).Info().
		Stringer("user_id", target).
		Str("team_id", channel.TeamId).
		Msg("Removed puppet from team, no bridged rooms left")
	return nil
}
