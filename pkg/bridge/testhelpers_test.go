// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

func apiErr(status int) error {
	return &model.AppError{Id: "test.error", Message: "test error", StatusCode: status}
}

func notFoundErr() error {
	return apiErr(http.StatusNotFound)
}

func forbiddenErr() error {
	return apiErr(http.StatusForbidden)
}

// fakeMM implements mattermost.Client in memory. It records which methods
// were called and supports per-method error injection.
type fakeMM struct {
	mu     sync.Mutex
	calls  []string
	nextID int

	me              *model.User
	users           map[string]*model.User
	usersByUsername map[string]*model.User
	usersByEmail    map[string]*model.User
	channels        map[string]*model.Channel
	channelsByName  map[string]*model.Channel
	teamsByName     map[string]*model.Team
	teamMembers     map[string]bool
	posts           map[string]*model.Post
	postOrder       []string
	reactions       []*model.Reaction
	commands        []string

	// simulateMePost makes ExecuteCommandWithTeam create a me-typed post
	// the way the real command endpoint does.
	simulateMePost bool

	// fail makes a method always return the error; failOnce only the next
	// call.
	fail     map[string]error
	failOnce map[string]error
}

var _ mattermost.Client = (*fakeMM)(nil)

func newFakeMM() *fakeMM {
	return &fakeMM{
		me:              &model.User{Id: "admin", Username: "admin"},
		users:           make(map[string]*model.User),
		usersByUsername: make(map[string]*model.User),
		usersByEmail:    make(map[string]*model.User),
		channels:        make(map[string]*model.Channel),
		channelsByName:  make(map[string]*model.Channel),
		teamsByName:     make(map[string]*model.Team),
		teamMembers:     make(map[string]bool),
		posts:           make(map[string]*model.Post),
		fail:            make(map[string]error),
		failOnce:        make(map[string]error),
	}
}

func (f *fakeMM) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	method := call
	for i, r := range call {
		if r == '(' {
			method = call[:i]
			break
		}
	}
	if err, ok := f.failOnce[method]; ok {
		delete(f.failOnce, method)
		return err
	}
	return f.fail[method]
}

func (f *fakeMM) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledMethods() map[string]int {
	counts := make(map[string]int)
	for _, call := range f.Calls() {
		method := call
		for i, r := range call {
			if r == '(' {
				method = call[:i]
				break
			}
		}
		counts[method]++
	}
	return counts
}

func (f *fakeMM) newID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeMM) addChannel(channel *model.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channel.Id] = channel
	f.channelsByName[channel.TeamId+"/"+channel.Name] = channel
}

func (f *fakeMM) addTeam(team *model.Team) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teamsByName[team.Name] = team
}

func (f *fakeMM) addPost(post *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[post.Id] = post
	f.postOrder = append([]string{post.Id}, f.postOrder...)
}

func (f *fakeMM) GetMe(_ context.Context, _ string) (*model.User, *model.Response, error) {
	if err := f.record("GetMe"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.me, nil, nil
}

func (f *fakeMM) GetUser(_ context.Context, userID, _ string) (*model.User, *model.Response, error) {
	if err := f.record("GetUser(" + userID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[userID]; ok {
		return user, nil, nil
	}
	return nil, nil, notFoundErr()
}

func (f *fakeMM) GetUsersByUsernames(_ context.Context, usernames []string) ([]*model.User, *model.Response, error) {
	if err := f.record("GetUsersByUsernames"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []*model.User
	for _, username := range usernames {
		if user, ok := f.usersByUsername[username]; ok {
			found = append(found, user)
		}
	}
	return found, nil, nil
}

func (f *fakeMM) GetUserByEmail(_ context.Context, email, _ string) (*model.User, *model.Response, error) {
	if err := f.record("GetUserByEmail(" + email + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.usersByEmail[email]; ok {
		return user, nil, nil
	}
	return nil, nil, notFoundErr()
}

func (f *fakeMM) CreateUser(_ context.Context, user *model.User) (*model.User, *model.Response, error) {
	if err := f.record("CreateUser(" + user.Username + ")"); err != nil {
		return nil, nil, err
	}
	created := *user
	created.Id = f.newID("mmuser")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[created.Id] = &created
	f.usersByUsername[created.Username] = &created
	return &created, nil, nil
}

func (f *fakeMM) PatchUser(_ context.Context, userID string, patch *model.UserPatch) (*model.User, *model.Response, error) {
	if err := f.record("PatchUser(" + userID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil, nil, notFoundErr()
	}
	if patch.FirstName != nil {
		user.FirstName = *patch.FirstName
	}
	return user, nil, nil
}

func (f *fakeMM) CreateUserAccessToken(_ context.Context, userID, _ string) (*model.UserAccessToken, *model.Response, error) {
	if err := f.record("CreateUserAccessToken(" + userID + ")"); err != nil {
		return nil, nil, err
	}
	return &model.UserAccessToken{Id: f.newID("tokenid"), Token: "token-" + userID, UserId: userID}, nil, nil
}

func (f *fakeMM) GetChannel(_ context.Context, channelID, _ string) (*model.Channel, *model.Response, error) {
	if err := f.record("GetChannel(" + channelID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel, ok := f.channels[channelID]; ok {
		return channel, nil, nil
	}
	return nil, nil, notFoundErr()
}

func (f *fakeMM) GetChannelByName(_ context.Context, channelName, teamID, _ string) (*model.Channel, *model.Response, error) {
	if err := f.record("GetChannelByName(" + channelName + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel, ok := f.channelsByName[teamID+"/"+channelName]; ok {
		return channel, nil, nil
	}
	return nil, nil, notFoundErr()
}

func (f *fakeMM) CreateChannel(_ context.Context, channel *model.Channel) (*model.Channel, *model.Response, error) {
	if err := f.record("CreateChannel(" + channel.Name + ")"); err != nil {
		return nil, nil, err
	}
	created := *channel
	created.Id = f.newID("channel")
	f.addChannel(&created)
	return &created, nil, nil
}

func (f *fakeMM) CreateGroupChannel(_ context.Context, userIDs []string) (*model.Channel, *model.Response, error) {
	if err := f.record(fmt.Sprintf("CreateGroupChannel(%d)", len(userIDs))); err != nil {
		return nil, nil, err
	}
	created := &model.Channel{Id: f.newID("group"), Type: model.ChannelTypeGroup}
	f.addChannel(created)
	return created, nil, nil
}

func (f *fakeMM) AddChannelMember(_ context.Context, channelID, userID string) (*model.ChannelMember, *model.Response, error) {
	if err := f.record("AddChannelMember(" + channelID + "," + userID + ")"); err != nil {
		return nil, nil, err
	}
	return &model.ChannelMember{ChannelId: channelID, UserId: userID}, nil, nil
}

func (f *fakeMM) AddChannelMemberWithRootId(_ context.Context, channelID, userID, _ string) (*model.ChannelMember, *model.Response, error) {
	if err := f.record("AddChannelMemberWithRootId(" + channelID + "," + userID + ")"); err != nil {
		return nil, nil, err
	}
	return &model.ChannelMember{ChannelId: channelID, UserId: userID}, nil, nil
}

func (f *fakeMM) RemoveUserFromChannel(_ context.Context, channelID, userID string) (*model.Response, error) {
	if err := f.record("RemoveUserFromChannel(" + channelID + "," + userID + ")"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeMM) GetTeamByName(_ context.Context, name, _ string) (*model.Team, *model.Response, error) {
	if err := f.record("GetTeamByName(" + name + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if team, ok := f.teamsByName[name]; ok {
		return team, nil, nil
	}
	return nil, nil, notFoundErr()
}

func (f *fakeMM) CreateTeam(_ context.Context, team *model.Team) (*model.Team, *model.Response, error) {
	if err := f.record("CreateTeam(" + team.Name + ")"); err != nil {
		return nil, nil, err
	}
	created := *team
	created.Id = f.newID("team")
	f.addTeam(&created)
	return &created, nil, nil
}

func (f *fakeMM) GetTeamMember(_ context.Context, teamID, userID, _ string) (*model.TeamMember, *model.Response, error) {
	if err := f.record("GetTeamMember(" + teamID + "," + userID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.teamMembers[teamID+"/"+userID] {
		return &model.TeamMember{TeamId: teamID, UserId: userID}, nil, nil
	}
	return nil, nil, notFoundErr()
}

func (f *fakeMM) GetTeamMembers(_ context.Context, teamID string, _, _ int, _ string) ([]*model.TeamMember, *model.Response, error) {
	if err := f.record("GetTeamMembers(" + teamID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := teamID + "/"
	var members []*model.TeamMember
	for key := range f.teamMembers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			members = append(members, &model.TeamMember{TeamId: teamID, UserId: key[len(prefix):]})
		}
	}
	return members, nil, nil
}

func (f *fakeMM) AddTeamMember(_ context.Context, teamID, userID string) (*model.TeamMember, *model.Response, error) {
	if err := f.record("AddTeamMember(" + teamID + "," + userID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teamMembers[teamID+"/"+userID] = true
	return &model.TeamMember{TeamId: teamID, UserId: userID}, nil, nil
}

func (f *fakeMM) RemoveTeamMember(_ context.Context, teamID, userID string) (*model.Response, error) {
	if err := f.record("RemoveTeamMember(" + teamID + "," + userID + ")"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.teamMembers, teamID+"/"+userID)
	return nil, nil
}

func (f *fakeMM) CreatePost(_ context.Context, post *model.Post) (*model.Post, *model.Response, error) {
	if err := f.record("CreatePost(" + post.ChannelId + ")"); err != nil {
		return nil, nil, err
	}
	created := post.Clone()
	created.Id = f.newID("post")
	f.mu.Lock()
	me := f.me
	f.mu.Unlock()
	if created.UserId == "" && me != nil {
		created.UserId = me.Id
	}
	f.addPost(created)
	return created, nil, nil
}

func (f *fakeMM) PatchPost(_ context.Context, postID string, patch *model.PostPatch) (*model.Post, *model.Response, error) {
	if err := f.record("PatchPost(" + postID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[postID]
	if !ok {
		return nil, nil, notFoundErr()
	}
	if patch.Message != nil {
		post.Message = *patch.Message
	}
	if patch.Props != nil {
		post.SetProps(*patch.Props)
	}
	return post, nil, nil
}

func (f *fakeMM) DeletePost(_ context.Context, postID string) (*model.Response, error) {
	if err := f.record("DeletePost(" + postID + ")"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[postID]; !ok {
		return nil, notFoundErr()
	}
	delete(f.posts, postID)
	return nil, nil
}

func (f *fakeMM) GetPost(_ context.Context, postID, _ string) (*model.Post, *model.Response, error) {
	if err := f.record("GetPost(" + postID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if post, ok := f.posts[postID]; ok {
		return post, nil, nil
	}
	return nil, nil, notFoundErr()
}

func (f *fakeMM) GetPostsForChannel(_ context.Context, channelID string, _, _ int, _ string, _, _ bool) (*model.PostList, *model.Response, error) {
	if err := f.record("GetPostsForChannel(" + channelID + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list := model.NewPostList()
	for _, postID := range f.postOrder {
		post := f.posts[postID]
		if post != nil && post.ChannelId == channelID {
			list.AddPost(post)
			list.AddOrder(postID)
		}
	}
	return list, nil, nil
}

func (f *fakeMM) SaveReaction(_ context.Context, reaction *model.Reaction) (*model.Reaction, *model.Response, error) {
	if err := f.record("SaveReaction(" + reaction.EmojiName + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction)
	return reaction, nil, nil
}

func (f *fakeMM) ExecuteCommandWithTeam(_ context.Context, channelID, _, command string) (*model.CommandResponse, *model.Response, error) {
	if err := f.record("ExecuteCommandWithTeam(" + command + ")"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.commands = append(f.commands, command)
	simulate := f.simulateMePost
	me := f.me
	f.mu.Unlock()
	if simulate && len(command) > 4 && command[:4] == "/me " {
		post := &model.Post{
			Id:        f.newID("post"),
			ChannelId: channelID,
			Type:      model.PostTypeMe,
			Message:   "*" + command[4:] + "*",
		}
		if me != nil {
			post.UserId = me.Id
		}
		post.AddProp("message", command[4:])
		f.addPost(post)
	}
	return &model.CommandResponse{}, nil, nil
}

func (f *fakeMM) UploadFile(_ context.Context, data []byte, channelID, filename string) (*model.FileUploadResponse, *model.Response, error) {
	if err := f.record(fmt.Sprintf("UploadFile(%s,%d)", filename, len(data))); err != nil {
		return nil, nil, err
	}
	return &model.FileUploadResponse{
		FileInfos: []*model.FileInfo{{Id: f.newID("file"), Name: filename}},
	}, nil, nil
}

// fakeMMClient is a per-token view of the shared fakeMM, resolving GetMe
// from the token the way the real API does.
type fakeMMClient struct {
	*fakeMM
	token string
}

var _ mattermost.Client = (*fakeMMClient)(nil)

func (c *fakeMMClient) GetMe(_ context.Context, _ string) (*model.User, *model.Response, error) {
	if err := c.record("GetMe"); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	userID := strings.TrimPrefix(c.token, "token-")
	if user, ok := c.users[userID]; ok {
		return user, nil, nil
	}
	if c.me != nil {
		return c.me, nil, nil
	}
	return nil, nil, notFoundErr()
}

// fakeMatrix implements MatrixAPI in memory.
type fakeMatrix struct {
	mu            sync.Mutex
	notices       map[id.RoomID][]string
	left          []id.RoomID
	joinedRooms   []id.RoomID
	members       map[id.RoomID][]RoomMember
	joinedMembers map[id.RoomID]map[id.UserID]struct{}
	state         map[id.RoomID]*RoomState
	displaynames  map[id.UserID]string
	media         map[string][]byte
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		notices:       make(map[id.RoomID][]string),
		members:       make(map[id.RoomID][]RoomMember),
		joinedMembers: make(map[id.RoomID]map[id.UserID]struct{}),
		state:         make(map[id.RoomID]*RoomState),
		displaynames:  make(map[id.UserID]string),
		media:         make(map[string][]byte),
	}
}

func (f *fakeMatrix) SendNotice(_ context.Context, roomID id.RoomID, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices[roomID] = append(f.notices[roomID], html)
	return nil
}

func (f *fakeMatrix) JoinRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinedRooms = append(f.joinedRooms, roomID)
	return nil
}

func (f *fakeMatrix) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeMatrix) GetRoomMembers(_ context.Context, roomID id.RoomID, memberships ...event.Membership) ([]RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []RoomMember
	for _, member := range f.members[roomID] {
		for _, membership := range memberships {
			if member.Membership == membership {
				matching = append(matching, member)
				break
			}
		}
	}
	return matching, nil
}

func (f *fakeMatrix) JoinedMembers(_ context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	joined := make(map[id.UserID]struct{}, len(f.joinedMembers[roomID]))
	for userID := range f.joinedMembers[roomID] {
		joined[userID] = struct{}{}
	}
	return joined, nil
}

func (f *fakeMatrix) GetRoomState(_ context.Context, roomID id.RoomID) (*RoomState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.state[roomID]; ok {
		return state, nil
	}
	return &RoomState{}, nil
}

func (f *fakeMatrix) GetDisplayName(_ context.Context, userID id.UserID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.displaynames[userID]; ok {
		return name, nil
	}
	return "", fmt.Errorf("no displayname for %s", userID)
}

func (f *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURI) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.media[uri.String()]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("media %s not found", uri)
}

func (f *fakeMatrix) Notices(roomID id.RoomID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.notices[roomID]))
	copy(cp, f.notices[roomID])
	return cp
}

func (f *fakeMatrix) Left() []id.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]id.RoomID, len(f.left))
	copy(cp, f.left)
	return cp
}

// fakeEmails is an in-memory EmailDirectory.
type fakeEmails struct {
	emails map[id.UserID]string
}

var _ EmailDirectory = (*fakeEmails)(nil)

func (f *fakeEmails) GetUserEmail(_ context.Context, userID id.UserID) (string, error) {
	if email, ok := f.emails[userID]; ok {
		return email, nil
	}
	return "", fmt.Errorf("no account data for %s", userID)
}

// In-memory store fakes.

type memPosts struct {
	mu    sync.Mutex
	items map[id.EventID]*database.PostCorrelation
}

var _ CorrelationStore = (*memPosts)(nil)

func newMemPosts() *memPosts {
	return &memPosts{items: make(map[id.EventID]*database.PostCorrelation)}
}

func (m *memPosts) GetByEventID(_ context.Context, eventID id.EventID) (*database.PostCorrelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[eventID], nil
}

func (m *memPosts) Insert(_ context.Context, pc *database.PostCorrelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[pc.EventID] = pc
	return nil
}

func (m *memPosts) DeleteByPostID(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for eventID, pc := range m.items {
		if pc.PostID == postID {
			delete(m.items, eventID)
		}
	}
	return nil
}

func (m *memPosts) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type memMappings struct {
	mu    sync.Mutex
	items map[id.RoomID]*database.RoomMapping
}

var _ MappingStore = (*memMappings)(nil)

func newMemMappings() *memMappings {
	return &memMappings{items: make(map[id.RoomID]*database.RoomMapping)}
}

func (m *memMappings) GetByRoomID(_ context.Context, roomID id.RoomID) (*database.RoomMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[roomID], nil
}

func (m *memMappings) GetByChannelID(_ context.Context, channelID string) (*database.RoomMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mapping := range m.items {
		if mapping.ChannelID == channelID {
			return mapping, nil
		}
	}
	return nil, nil
}

func (m *memMappings) GetAllNonDirect(_ context.Context) ([]*database.RoomMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mappings []*database.RoomMapping
	for _, mapping := range m.items {
		if !mapping.IsDirect {
			mappings = append(mappings, mapping)
		}
	}
	return mappings, nil
}

func (m *memMappings) Insert(_ context.Context, rm *database.RoomMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[rm.RoomID] = rm
	return nil
}

type memPuppets struct {
	mu    sync.Mutex
	items map[id.UserID]*database.Puppet
}

var _ PuppetStore = (*memPuppets)(nil)

func newMemPuppets() *memPuppets {
	return &memPuppets{items: make(map[id.UserID]*database.Puppet)}
}

func (m *memPuppets) GetByMXID(_ context.Context, mxid id.UserID) (*database.Puppet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[mxid], nil
}

func (m *memPuppets) GetByMattermostID(_ context.Context, userID string) (*database.Puppet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, puppet := range m.items {
		if puppet.MattermostUserID == userID {
			return puppet, nil
		}
	}
	return nil, nil
}

func (m *memPuppets) Upsert(_ context.Context, p *database.Puppet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.MXID] = p
	return nil
}

func (m *memPuppets) UpdateDisplayname(_ context.Context, mxid id.UserID, displayname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if puppet, ok := m.items[mxid]; ok {
		puppet.Displayname = displayname
	}
	return nil
}

// testBridge bundles a Bridge with its fake collaborators.
type testBridge struct {
	*Bridge
	mm       *fakeMM
	matrix   *fakeMatrix
	posts    *memPosts
	mappings *memMappings
	puppets  *memPuppets
}

const testBotMXID = id.UserID("@mattermost_bot:example.com")

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	cfg := &Config{
		Matrix: MatrixConfig{
			HomeserverURL: "https://matrix.example.com",
			UserID:        testBotMXID,
		},
		Mattermost: MattermostConfig{
			ServerURL: "https://mattermost.example.com",
			Team:      "matrix-bridge",
		},
		Bridge: BridgeConfig{
			CommandPrefix:      "mattermost",
			BotPrefix:          "mattermost_",
			ProvisionTimeoutMS: 1000,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}

	mm := newFakeMM()
	fm := newFakeMatrix()
	posts := newMemPosts()
	mappings := newMemMappings()
	puppets := newMemPuppets()

	br := New(cfg, zerolog.Nop(), fm, nil, mm, Stores{
		Posts:    posts,
		Mappings: mappings,
		Puppets:  puppets,
	})
	br.NewMMClient = func(token string) mattermost.Client { return &fakeMMClient{fakeMM: mm, token: token} }

	return &testBridge{
		Bridge:   br,
		mm:       mm,
		matrix:   fm,
		posts:    posts,
		mappings: mappings,
		puppets:  puppets,
	}
}

// seedPuppet installs a puppet in the store and makes GetMe verify it, so
// ResolveOrCreate trusts the stored record.
func (tb *testBridge) seedPuppet(mxid id.UserID, mmUserID, username string) *database.Puppet {
	puppet := &database.Puppet{
		MXID:               mxid,
		MattermostUserID:   mmUserID,
		MattermostUsername: username,
		IsMatrixUser:       true,
		AccessToken:        "token-" + mmUserID,
	}
	tb.puppets.items[mxid] = puppet
	tb.mm.mu.Lock()
	tb.mm.me = &model.User{Id: mmUserID, Username: username}
	tb.mm.users[mmUserID] = &model.User{Id: mmUserID, Username: username}
	tb.mm.mu.Unlock()
	return puppet
}

// seedNativeUser installs a puppet record linked to a Mattermost-native
// account (is_matrix_user=false).
func (tb *testBridge) seedNativeUser(mxid id.UserID, mmUserID, username string) *database.Puppet {
	puppet := &database.Puppet{
		MXID:               mxid,
		MattermostUserID:   mmUserID,
		MattermostUsername: username,
	}
	tb.puppets.items[mxid] = puppet
	tb.mm.mu.Lock()
	tb.mm.users[mmUserID] = &model.User{Id: mmUserID, Username: username}
	tb.mm.mu.Unlock()
	return puppet
}

// seedMapping installs a room mapping.
func (tb *testBridge) seedMapping(roomID id.RoomID, channelID, teamID string) *database.RoomMapping {
	mapping := &database.RoomMapping{RoomID: roomID, ChannelID: channelID}
	tb.mappings.items[roomID] = mapping
	tb.mm.addChannel(&model.Channel{Id: channelID, TeamId: teamID, Name: channelID, Type: model.ChannelTypeOpen})
	return mapping
}

func makeMessageEvent(sender id.UserID, roomID id.RoomID, eventID id.EventID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:    event.EventMessage,
		ID:      eventID,
		RoomID:  roomID,
		Sender:  sender,
		Content: event.Content{Parsed: content},
	}
}

func makeTextEvent(sender id.UserID, roomID id.RoomID, eventID id.EventID, body string) *event.Event {
	return makeMessageEvent(sender, roomID, eventID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
}

func makeMemberEvent(sender, target id.UserID, roomID id.RoomID, membership event.Membership) *event.Event {
	stateKey := string(target)
	return &event.Event{
		Type:     event.StateMember,
		ID:       id.EventID("$member-" + stateKey),
		RoomID:   roomID,
		Sender:   sender,
		StateKey: &stateKey,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: membership}},
	}
}
