// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

func (br *Bridge) handleReaction(ctx context.Context, evt *event.Event) error {
	if br.isOwnEvent(evt) {
		return nil
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.EventID == "" {
		zerolog.Ctx(ctx).Warn().Msg("Dropping reaction with unparseable content")
		return nil
	}

	user, err := br.Users.ResolveStored(ctx, evt.Sender)
	if err != nil {
		return err
	}
	if user == nil {
		zerolog.Ctx(ctx).Debug().Msg("Dropping reaction from untracked sender")
		return nil
	}

	corr, err := br.DB.Posts.GetByEventID(ctx, content.RelatesTo.EventID)
	if err != nil {
		return fmt.Errorf("failed to look up reaction target: %w", err)
	}
	if corr == nil {
		zerolog.Ctx(ctx).Debug().
			Stringer("target_event_id", content.RelatesTo.EventID).
			Msg("Dropping reaction to unbridged event")
		return nil
	}

	_, _, err = user.Client.SaveReaction(ctx, &model.Reaction{
		UserId:    user.MattermostUserID,
		PostId:    corr.PostID,
		EmojiName: emojiToReaction(content.RelatesTo.Key),
	})
	if err != nil {
		return fmt.Errorf("failed to save reaction: %w", err)
	}
	return nil
}

// handleRedaction deletes the Mattermost post behind a redacted event. The
// local correlation is removed before the remote delete so a mid-flight
// failure leaves local state advanced, not the remote side.
func (br *Bridge) handleRedaction(ctx context.Context, evt *event.Event) error {
	if br.isOwnEvent(evt) {
		return nil
	}
	redacts := evt.Redacts
	if redacts == "" {
		if content, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok {
			redacts = content.Redacts
		}
	}
	if redacts == "" {
		zerolog.Ctx(ctx).Warn().Msg("Dropping redaction without a target")
		return nil
	}

	corr, err := br.DB.Posts.GetByEventID(ctx, redacts)
	if err != nil {
		return fmt.Errorf("failed to look up redaction target: %w", err)
	}
	if corr == nil {
		return nil
	}

	if err = br.DB.Posts.DeleteByPostID(ctx, corr.PostID); err != nil {
		return fmt.Errorf("failed to delete correlation: %w", err)
	}

	client := br.MM
	if user, userErr := br.Users.ResolveStored(ctx, evt.Sender); userErr == nil && user != nil {
		client = user.Client
	}
	_, err = client.DeletePost(ctx, corr.PostID)
	if mattermost.IsNotFound(err) || mattermost.IsAlreadyDeleted(err) {
		zerolog.Ctx(ctx).Debug().Str("post_id", corr.PostID).
			Msg("Post already gone on redaction")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}
