// Copyright 2024-2026 Aiku AI

// Package bridge implements the Matrix to Mattermost event pipeline: it
// routes incoming Matrix events to handlers that relay messages, reactions,
// redactions and membership changes into Mattermost through per-user puppet
// accounts, and onboards unmapped rooms into channels.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

// RoomMember is a flattened member state entry.
type RoomMember struct {
	UserID      id.UserID
	Membership  event.Membership
	Displayname string
}

// RoomState holds the room state fields the bridge reads during onboarding.
type RoomState struct {
	Name           string
	CanonicalAlias string
}

// MatrixAPI is the homeserver surface the bridge consumes.
type MatrixAPI interface {
	SendNotice(ctx context.Context, roomID id.RoomID, html string) error
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	GetRoomMembers(ctx context.Context, roomID id.RoomID, memberships ...event.Membership) ([]RoomMember, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error)
	GetRoomState(ctx context.Context, roomID id.RoomID) (*RoomState, error)
	GetDisplayName(ctx context.Context, userID id.UserID) (string, error)
	DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error)
}

// EmailDirectory resolves the email address of a Matrix account, used to
// link puppets to existing Mattermost accounts. Optional.
type EmailDirectory interface {
	GetUserEmail(ctx context.Context, userID id.UserID) (string, error)
}

// CorrelationStore persists the Matrix event to Mattermost post mapping.
type CorrelationStore interface {
	GetByEventID(ctx context.Context, eventID id.EventID) (*database.PostCorrelation, error)
	Insert(ctx context.Context, pc *database.PostCorrelation) error
	DeleteByPostID(ctx context.Context, postID string) error
}

// MappingStore persists the room to channel mapping.
type MappingStore interface {
	GetByRoomID(ctx context.Context, roomID id.RoomID) (*database.RoomMapping, error)
	GetByChannelID(ctx context.Context, channelID string) (*database.RoomMapping, error)
	GetAllNonDirect(ctx context.Context) ([]*database.RoomMapping, error)
	Insert(ctx context.Context, rm *database.RoomMapping) error
}

// PuppetStore persists puppet account records.
type PuppetStore interface {
	GetByMXID(ctx context.Context, mxid id.UserID) (*database.Puppet, error)
	GetByMattermostID(ctx context.Context, userID string) (*database.Puppet, error)
	Upsert(ctx context.Context, p *database.Puppet) error
	UpdateDisplayname(ctx context.Context, mxid id.UserID, displayname string) error
}

// Stores bundles the persistence collaborators of the bridge.
type Stores struct {
	Posts    CorrelationStore
	Mappings MappingStore
	Puppets  PuppetStore
}

// Bridge routes Matrix events into Mattermost.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger

	Matrix MatrixAPI
	Emails EmailDirectory
	// MM is the admin-scoped Mattermost client used for provisioning and
	// channel management. Per-user posting goes through puppet clients.
	MM mattermost.Client
	DB Stores

	Users *UserStore

	// NewMMClient builds a Mattermost client bound to a puppet token.
	// Overridable in tests.
	NewMMClient func(token string) mattermost.Client

	teamLock sync.Mutex
	teamID   string
}

// New wires a Bridge from its collaborators. The email directory may be nil.
func New(cfg *Config, log zerolog.Logger, matrixAPI MatrixAPI, emails EmailDirectory, mm mattermost.Client, stores Stores) *Bridge {
	br := &Bridge{
		Config: cfg,
		Log:    log,

		Matrix: matrixAPI,
		Emails: emails,
		MM:     mm,
		DB:     stores,
	}
	br.NewMMClient = func(token string) mattermost.Client {
		return mattermost.NewClient(cfg.Mattermost.ServerURL, token)
	}
	br.Users = newUserStore(br)
	return br
}

// isOwnEvent reports whether the event was authored by the bridge bot or
// another bridge-managed user. Such events are echoes and must never be
// relayed.
func (br *Bridge) isOwnEvent(evt *event.Event) bool {
	return br.isBridgeManaged(evt.Sender)
}

// isBridgeManaged reports whether the user is the bridge's own service
// identity or carries the configured bot localpart prefix.
func (br *Bridge) isBridgeManaged(userID id.UserID) bool {
	if userID == br.Config.Matrix.UserID {
		return true
	}
	prefix := br.Config.Bridge.BotPrefix
	return prefix != "" && strings.HasPrefix(localpartOf(userID), prefix)
}

// integrationTeam returns the ID of the configured Mattermost team, creating
// the team on first use. The resolved ID is cached for the process lifetime.
func (br *Bridge) integrationTeam(ctx context.Context) (string, error) {
	br.teamLock.Lock()
	defer br.teamLock.Unlock()
	if br.teamID != "" {
		return br.teamID, nil
	}
	team, _, err := br.MM.GetTeamByName(ctx, br.Config.Mattermost.Team, "")
	if err != nil && !mattermost.IsNotFound(err) {
		return "", fmt.Errorf("failed to get team %q: %w", br.Config.Mattermost.Team, err)
	}
	if team == nil {
		team, _, err = br.MM.CreateTeam(ctx, &model.Team{
			Name:        br.Config.Mattermost.Team,
			DisplayName: br.Config.Mattermost.Team,
			Type:        model.TeamInvite,
		})
		if err != nil {
			return "", fmt.Errorf("failed to create team %q: %w", br.Config.Mattermost.Team, err)
		}
		br.Log.Info().Str("team_id", team.Id).Str("team_name", team.Name).
			Msg("Created integration team")
	}
	br.teamID = team.Id
	return br.teamID, nil
}

// notice sends a best-effort HTML notice from the bot into a room. Failures
// are logged and swallowed, a notice must never fail the pipeline.
func (br *Bridge) notice(ctx context.Context, roomID id.RoomID, format string, args ...any) {
	err := br.Matrix.SendNotice(ctx, roomID, fmt.Sprintf(format, args...))
	if err != nil {
		br.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send notice")
	}
}
