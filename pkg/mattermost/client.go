// Copyright 2024-2026 Aiku AI

// Package mattermost defines the slice of the Mattermost API the bridge core
// consumes, plus status-code helpers for its error contract.
package mattermost

import (
	"context"
	"errors"
	"net/http"

	"github.com/mattermost/mattermost/server/public/model"
)

// Client is the subset of model.Client4 used by the bridge. The method set
// is signature-identical to model.Client4, so the real API client satisfies
// it without an adapter; tests substitute an in-memory fake.
type Client interface {
	GetMe(ctx context.Context, etag string) (*model.User, *model.Response, error)
	GetUser(ctx context.Context, userID, etag string) (*model.User, *model.Response, error)
	GetUsersByUsernames(ctx context.Context, usernames []string) ([]*model.User, *model.Response, error)
	GetUserByEmail(ctx context.Context, email, etag string) (*model.User, *model.Response, error)
	CreateUser(ctx context.Context, user *model.User) (*model.User, *model.Response, error)
	PatchUser(ctx context.Context, userID string, patch *model.UserPatch) (*model.User, *model.Response, error)
	CreateUserAccessToken(ctx context.Context, userID, description string) (*model.UserAccessToken, *model.Response, error)

	GetChannel(ctx context.Context, channelID, etag string) (*model.Channel, *model.Response, error)
	GetChannelByName(ctx context.Context, channelName, teamID, etag string) (*model.Channel, *model.Response, error)
	CreateChannel(ctx context.Context, channel *model.Channel) (*model.Channel, *model.Response, error)
	CreateGroupChannel(ctx context.Context, userIDs []string) (*model.Channel, *model.Response, error)
	AddChannelMember(ctx context.Context, channelID, userID string) (*model.ChannelMember, *model.Response, error)
	AddChannelMemberWithRootId(ctx context.Context, channelID, userID, postRootID string) (*model.ChannelMember, *model.Response, error)
	RemoveUserFromChannel(ctx context.Context, channelID, userID string) (*model.Response, error)

	GetTeamByName(ctx context.Context, name, etag string) (*model.Team, *model.Response, error)
	CreateTeam(ctx context.Context, team *model.Team) (*model.Team, *model.Response, error)
	GetTeamMember(ctx context.Context, teamID, userID, etag string) (*model.TeamMember, *model.Response, error)
	GetTeamMembers(ctx context.Context, teamID string, page, perPage int, etag string) ([]*model.TeamMember, *model.Response, error)
	AddTeamMember(ctx context.Context, teamID, userID string) (*model.TeamMember, *model.Response, error)
	RemoveTeamMember(ctx context.Context, teamID, userID string) (*model.Response, error)

	CreatePost(ctx context.Context, post *model.Post) (*model.Post, *model.Response, error)
	PatchPost(ctx context.Context, postID string, patch *model.PostPatch) (*model.Post, *model.Response, error)
	DeletePost(ctx context.Context, postID string) (*model.Response, error)
	GetPost(ctx context.Context, postID, etag string) (*model.Post, *model.Response, error)
	GetPostsForChannel(ctx context.Context, channelID string, page, perPage int, etag string, collapsedThreads, includeDeleted bool) (*model.PostList, *model.Response, error)
	SaveReaction(ctx context.Context, reaction *model.Reaction) (*model.Reaction, *model.Response, error)
	ExecuteCommandWithTeam(ctx context.Context, channelID, teamID, command string) (*model.CommandResponse, *model.Response, error)
	UploadFile(ctx context.Context, data []byte, channelID, filename string) (*model.FileUploadResponse, *model.Response, error)
}

var _ Client = (*model.Client4)(nil)

// NewClient returns an authenticated API client for the given server.
// Each puppet identity gets its own client bound to its access token.
func NewClient(serverURL, token string) *model.Client4 {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return client
}

// permissionsAppErrorID is returned by Mattermost when deleting a post the
// acting user can no longer see, i.e. a post that is already gone.
const permissionsAppErrorID = "api.context.permissions.app_error"

// IsStatus reports whether the error is an API error with the given HTTP
// status code.
func IsStatus(err error, code int) bool {
	var appErr *model.AppError
	return errors.As(err, &appErr) && appErr.StatusCode == code
}

// IsNotFound reports whether a failed call means "absent, not an error".
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// IsUnauthorized reports whether a failed call was rejected for lack of
// permission or membership rather than a transport problem.
func IsUnauthorized(err error) bool {
	return IsStatus(err, http.StatusForbidden) || IsStatus(err, http.StatusUnauthorized)
}

// IsAlreadyDeleted reports the specific permission error Mattermost returns
// for deleting a post that has already been deleted.
func IsAlreadyDeleted(err error) bool {
	var appErr *model.AppError
	return errors.As(err, &appErr) &&
		appErr.StatusCode == http.StatusForbidden &&
		appErr.Id == permissionsAppErrorID
}
