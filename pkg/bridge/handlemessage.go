// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/matrixfmt"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

// dispatchMessage fans a room message out by message subtype. Unknown
// subtypes are bridged as plain text rather than dropped.
func (br *Bridge) dispatchMessage(ctx context.Context, evt *event.Event, content *event.MessageEventContent, mapping *database.RoomMapping, user *PuppetUser, rel relationContext) error {
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		return br.bridgeText(ctx, evt, content, mapping, user, rel)
	case event.MsgEmote:
		return br.bridgeEmote(ctx, evt, content, mapping, user, rel)
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		return br.bridgeFile(ctx, evt, content, mapping, user, rel)
	default:
		zerolog.Ctx(ctx).Warn().Str("msgtype", string(content.MsgType)).
			Msg("Unknown message subtype, bridging as text")
		return br.bridgeText(ctx, evt, content, mapping, user, rel)
	}
}

func (br *Bridge) bridgeText(ctx context.Context, evt *event.Event, content *event.MessageEventContent, mapping *database.RoomMapping, user *PuppetUser, rel relationContext) error {
	text := matrixfmt.Parse(content)

	if rel.EditPostID != "" {
		_, _, err := user.Client.PatchPost(ctx, rel.EditPostID, &model.PostPatch{
			Message: &text,
		})
		if mattermost.IsNotFound(err) {
			return br.discardStalePost(ctx, rel.EditPostID)
		}
		if err != nil {
			return fmt.Errorf("failed to edit post: %w", err)
		}
		return nil
	}

	post := &model.Post{
		ChannelId: mapping.ChannelID,
		Message:   text,
		RootId:    rel.RootID,
	}
	created, _, err := user.Client.CreatePost(ctx, post)
	if mattermost.IsUnauthorized(err) {
		if repairErr := br.repairMembership(ctx, user, mapping.ChannelID, rel.RootID); repairErr != nil {
			return repairErr
		}
		created, _, err = user.Client.CreatePost(ctx, post)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Str("channel_id", mapping.ChannelID).
				Msg("Post still rejected after membership repair, dropping message")
			return nil
		}
	} else if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return br.recordCorrelation(ctx, evt, created.Id, created.RootId)
}

// repairMembership re-establishes the puppet's team and channel membership
// after a permission rejection. Runs on the admin client.
func (br *Bridge) repairMembership(ctx context.Context, user *PuppetUser, channelID, rootID string) error {
	channel, _, err := br.MM.GetChannel(ctx, channelID, "")
	if err != nil {
		return fmt.Errorf("failed to get channel for membership repair: %w", err)
	}
	if channel.TeamId != "" {
		if err = br.ensureTeamMember(ctx, channel.TeamId, user.MattermostUserID); err != nil {
			return fmt.Errorf("failed to repair team membership: %w", err)
		}
	}
	_, _, err = br.MM.AddChannelMemberWithRootId(ctx, channelID, user.MattermostUserID, rootID)
	if err != nil {
		return fmt.Errorf("failed to repair channel membership: %w", err)
	}
	zerolog.Ctx(ctx).Info().
		Str("channel_id", channelID).
		Str("mattermost_user_id", user.MattermostUserID).
		Msg("Repaired puppet membership")
	return nil
}

// ensureTeamMember adds the user to the team if they are not a member yet.
func (br *Bridge) ensureTeamMember(ctx context.Context, teamID, userID string) error {
	_, _, err := br.MM.GetTeamMember(ctx, teamID, userID, "")
	if mattermost.IsNotFound(err) {
		_, _, err = br.MM.AddTeamMember(ctx, teamID, userID)
	}
	return err
}

func (br *Bridge) bridgeEmote(ctx context.Context, evt *event.Event, content *event.MessageEventContent, mapping *database.RoomMapping, user *PuppetUser, rel relationContext) error {
	text := matrixfmt.Parse(content)

	if rel.EditPostID != "" {
		message := "*" + text + "*"
		_, _, err := user.Client.PatchPost(ctx, rel.EditPostID, &model.PostPatch{
			Message: &message,
			Props:   &model.StringInterface{"message": text},
		})
		if mattermost.IsNotFound(err) {
			return br.discardStalePost(ctx, rel.EditPostID)
		}
		if err != nil {
			return fmt.Errorf("failed to edit emote post: %w", err)
		}
		return nil
	}

	channel, _, err := br.MM.GetChannel(ctx, mapping.ChannelID, "")
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}
	teamID := channel.TeamId
	if teamID == "" {
		teamID, err = br.integrationTeam(ctx)
		if err != nil {
			return err
		}
	}
	_, _, err = user.Client.ExecuteCommandWithTeam(ctx, mapping.ChannelID, teamID, "/me "+text)
	if err != nil {
		return fmt.Errorf("failed to execute /me command: %w", err)
	}

	// The command endpoint does not return the created post. Scan the most
	// recent page for a matching me-post so the correlation is not lost.
	posts, _, err := user.Client.GetPostsForChannel(ctx, mapping.ChannelID, 0, recentPostsPageSize, "", false, false)
	if err != nil {
		return fmt.Errorf("failed to list recent posts: %w", err)
	}
	for _, postID := range posts.Order {
		post := posts.Posts[postID]
		if post == nil || post.Type != model.PostTypeMe || post.UserId != user.MattermostUserID {
			continue
		}
		if message, _ := post.GetProp("message").(string); message == text {
			return br.recordCorrelation(ctx, evt, post.Id, post.RootId)
		}
	}
	zerolog.Ctx(ctx).Warn().Str("channel_id", mapping.ChannelID).
		Msg("Could not locate emote post, correlation lost")
	return nil
}

const recentPostsPageSize = 30

func (br *Bridge) bridgeFile(ctx context.Context, evt *event.Event, content *event.MessageEventContent, mapping *database.RoomMapping, user *PuppetUser, rel relationContext) error {
	if rel.EditPostID != "" {
		// Matrix cannot replace an attachment, only the caption changes.
		caption := content.Body
		_, _, err := user.Client.PatchPost(ctx, rel.EditPostID, &model.PostPatch{
			Message: &caption,
		})
		if mattermost.IsNotFound(err) {
			return br.discardStalePost(ctx, rel.EditPostID)
		}
		if err != nil {
			return fmt.Errorf("failed to edit file caption: %w", err)
		}
		return nil
	}

	uri, err := content.URL.Parse()
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}
	data, err := br.Matrix.DownloadMedia(ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to download media: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("refusing to bridge empty file %q", content.Body)
	}

	filename := content.FileName
	if filename == "" {
		filename = content.Body
	}
	upload, _, err := user.Client.UploadFile(ctx, data, mapping.ChannelID, filename)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	if len(upload.FileInfos) == 0 {
		return fmt.Errorf("file upload returned no file info")
	}

	caption := ""
	if content.FileName != "" && content.Body != content.FileName {
		caption = content.Body
	}
	created, _, err := user.Client.CreatePost(ctx, &model.Post{
		ChannelId: mapping.ChannelID,
		Message:   caption,
		RootId:    rel.RootID,
		FileIds:   []string{upload.FileInfos[0].Id},
	})
	if err != nil {
		return fmt.Errorf("failed to create file post: %w", err)
	}
	return br.recordCorrelation(ctx, evt, created.Id, created.RootId)
}

// discardStalePost removes correlations pointing at a post that no longer
// exists on the Mattermost side.
func (br *Bridge) discardStalePost(ctx context.Context, postID string) error {
	zerolog.Ctx(ctx).Debug().Str("post_id", postID).
		Msg("Target post is gone, discarding stale correlation")
	if err := br.DB.Posts.DeleteByPostID(ctx, postID); err != nil {
		return fmt.Errorf("failed to delete stale correlation: %w", err)
	}
	return nil
}
