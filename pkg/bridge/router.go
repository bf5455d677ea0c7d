// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

// HandleEvent routes a single Matrix event through the bridge. Unsupported
// event types are dropped. Handler failures are logged, never fatal: the
// stream must keep flowing.
func (br *Bridge) HandleEvent(ctx context.Context, evt *event.Event) {
	log := br.Log.With().
		Str("event_type", evt.Type.String()).
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Logger()
	ctx = log.WithContext(ctx)

	var err error
	switch evt.Type {
	case event.EventMessage:
		err = br.handleRoomMessage(ctx, evt)
	case event.EventReaction:
		err = br.handleReaction(ctx, evt)
	case event.EventRedaction:
		err = br.handleRedaction(ctx, evt)
	case event.StateMember:
		err = br.handleMembership(ctx, evt)
	default:
		log.Debug().Msg("Dropping event of unsupported type")
		return
	}
	if err != nil {
		log.Err(err).Msg("Failed to handle event")
	}
}

func (br *Bridge) handleRoomMessage(ctx context.Context, evt *event.Event) error {
	if br.isOwnEvent(evt) {
		return nil
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		br.Log.Warn().Stringer("event_id", evt.ID).Msg("Dropping message with unparseable content")
		return nil
	}

	mapping, err := br.DB.Mappings.GetByRoomID(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get room mapping: %w", err)
	}
	if mapping == nil {
		return br.handleUnbridgedMessage(ctx, evt, content)
	}

	if cmd := br.parseCommand(content.Body); cmd != nil {
		return br.handleCommand(ctx, evt, cmd)
	}

	// Only tracked senders are relayed. Provisioning happens on onboarding
	// and membership paths, a message alone never creates an account.
	user, err := br.Users.ResolveStored(ctx, evt.Sender)
	if err != nil {
		return fmt.Errorf("failed to resolve sender: %w", err)
	}
	if user == nil {
		zerolog.Ctx(ctx).Debug().Msg("Dropping message from untracked sender")
		return nil
	}

	rel, err := br.resolveRelation(ctx, user.Client, content)
	if err != nil {
		return err
	}
	if rel.editContent != nil {
		content = rel.editContent
	}
	return br.dispatchMessage(ctx, evt, content, mapping, user, rel)
}

// relationContext carries the resolved edit/thread targets of a message.
type relationContext struct {
	// EditPostID is the post to patch when the event is an m.replace edit.
	EditPostID string
	// RootID is the Mattermost thread root for reply events, empty for
	// unthreaded messages.
	RootID string

	editContent *event.MessageEventContent
}

// resolveRelation maps the event's Matrix relations onto Mattermost
// targets. A reply to a post that no longer exists on the Mattermost side
// is tolerated: the stale correlation is removed and the message proceeds
// unthreaded. An edit of an uncorrelated event is an error.
func (br *Bridge) resolveRelation(ctx context.Context, client mattermost.Client, content *event.MessageEventContent) (relationContext, error) {
	var rel relationContext
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		corr, err := br.DB.Posts.GetByEventID(ctx, content.RelatesTo.EventID)
		if err != nil {
			return rel, fmt.Errorf("failed to look up edit target: %w", err)
		}
		if corr == nil {
			return rel, fmt.Errorf("no post correlated with edited event %s", content.RelatesTo.EventID)
		}
		rel.EditPostID = corr.PostID
		if content.NewContent != nil {
			rel.editContent = content.NewContent
		}
		return rel, nil
	}

	replyTo := content.RelatesTo.GetReplyTo()
	if replyTo == "" {
		return rel, nil
	}
	corr, err := br.DB.Posts.GetByEventID(ctx, replyTo)
	if err != nil {
		return rel, fmt.Errorf("failed to look up reply target: %w", err)
	}
	if corr == nil {
		// The replied-to event was never bridged. Send unthreaded.
		return rel, nil
	}
	post, _, err := client.GetPost(ctx, corr.PostID, "")
	if mattermost.IsNotFound(err) {
		zerolog.Ctx(ctx).Debug().Str("post_id", corr.PostID).
			Msg("Reply target post is gone, removing stale correlation")
		if delErr := br.DB.Posts.DeleteByPostID(ctx, corr.PostID); delErr != nil {
			return rel, fmt.Errorf("failed to delete stale correlation: %w", delErr)
		}
		return rel, nil
	}
	if err != nil {
		return rel, fmt.Errorf("failed to fetch reply target post: %w", err)
	}
	switch {
	case post.RootId != "":
		rel.RootID = post.RootId
	case corr.ThreadRootID != "":
		rel.RootID = corr.ThreadRootID
	default:
		rel.RootID = post.Id
	}
	return rel, nil
}

// recordCorrelation persists the correlation of a freshly bridged post.
// thread_root_id defaults to the post itself so later replies can anchor
// to it.
func (br *Bridge) recordCorrelation(ctx context.Context, evt *event.Event, postID, rootID string) error {
	if rootID == "" {
		rootID = postID
	}
	err := br.DB.Posts.Insert(ctx, &database.PostCorrelation{
		EventID:      evt.ID,
		PostID:       postID,
		ThreadRootID: rootID,
	})
	if err != nil {
		return fmt.Errorf("failed to save post correlation: %w", err)
	}
	return nil
}
