// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

// ErrProvisionTimeout is returned when a caller gives up waiting for a
// concurrent provisioning of the same puppet.
var ErrProvisionTimeout = errors.New("timed out waiting for puppet provisioning")

// PuppetUser is a puppet record bound to a Mattermost client authenticated
// as that puppet.
type PuppetUser struct {
	*database.Puppet
	Client mattermost.Client
}

// puppetIndex is a bidirectional in-memory index over puppet users. Both
// sides are always updated together through put, callers must hold the
// owning store's lock.
type puppetIndex struct {
	byMXID map[id.UserID]*PuppetUser
	byMMID map[string]*PuppetUser
}

func newPuppetIndex() *puppetIndex {
	return &puppetIndex{
		byMXID: make(map[id.UserID]*PuppetUser),
		byMMID: make(map[string]*PuppetUser),
	}
}

func (pi *puppetIndex) put(user *PuppetUser) {
	pi.byMXID[user.MXID] = user
	pi.byMMID[user.MattermostUserID] = user
}

// UserStore lazily provisions and caches the Mattermost puppet accounts
// representing Matrix users. Provisioning of a single identity is serialized
// by a per-key lock so concurrent callers observe exactly one creation.
type UserStore struct {
	br  *Bridge
	log zerolog.Logger

	mu    sync.RWMutex
	index *puppetIndex

	provisionLock *keyedLock
}

func newUserStore(br *Bridge) *UserStore {
	return &UserStore{
		br:            br,
		log:           br.Log.With().Str("component", "user_store").Logger(),
		index:         newPuppetIndex(),
		provisionLock: newKeyedLock(),
	}
}

// Resolve is a pure cache lookup. It never touches the database or the
// network and returns nil for unknown users.
func (us *UserStore) Resolve(mxid id.UserID) *PuppetUser {
	us.mu.RLock()
	defer us.mu.RUnlock()
	return us.index.byMXID[mxid]
}

// ResolveStored returns an already provisioned puppet, cache first, then
// the database. It never creates accounts and returns nil for untracked
// users.
func (us *UserStore) ResolveStored(ctx context.Context, mxid id.UserID) (*PuppetUser, error) {
	if user := us.Resolve(mxid); user != nil {
		return user, nil
	}
	dbPuppet, err := us.br.DB.Puppets.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("failed to query puppet: %w", err)
	}
	if dbPuppet == nil {
		return nil, nil
	}
	user := us.bind(dbPuppet)
	us.mu.Lock()
	us.index.put(user)
	us.mu.Unlock()
	return user, nil
}

// ResolveByMattermostID returns the puppet owning the given Mattermost user
// id, or nil if the id does not belong to a puppet. Cache first, then the
// database.
func (us *UserStore) ResolveByMattermostID(ctx context.Context, userID string) (*PuppetUser, error) {
	us.mu.RLock()
	cached := us.index.byMMID[userID]
	us.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	dbPuppet, err := us.br.DB.Puppets.GetByMattermostID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query puppet by mattermost id: %w", err)
	}
	if dbPuppet == nil || !dbPuppet.IsMatrixUser {
		return nil, nil
	}
	user := us.bind(dbPuppet)
	us.mu.Lock()
	us.index.put(user)
	us.mu.Unlock()
	return user, nil
}

// ResolveOrCreate returns the puppet for the given Matrix user, provisioning
// a Mattermost account for it if none exists yet. Concurrent calls for the
// same user are serialized per user id with a bounded wait.
func (us *UserStore) ResolveOrCreate(ctx context.Context, mxid id.UserID) (*PuppetUser, error) {
	if user := us.Resolve(mxid); user != nil {
		return user, nil
	}
	timeout := time.Duration(us.br.Config.Bridge.ProvisionTimeoutMS) * time.Millisecond
	if err := us.provisionLock.Lock(ctx, mxid.String(), timeout); err != nil {
		return nil, err
	}
	defer us.provisionLock.Unlock(mxid.String())

	if user := us.Resolve(mxid); user != nil {
		return user, nil
	}

	dbPuppet, err := us.br.DB.Puppets.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("failed to query puppet: %w", err)
	}
	if dbPuppet != nil {
		user := us.bind(dbPuppet)
		if us.verify(ctx, user) {
			us.mu.Lock()
			us.index.put(user)
			us.mu.Unlock()
			return user, nil
		}
		us.log.Warn().Stringer("user_id", mxid).
			Str("mattermost_username", dbPuppet.MattermostUsername).
			Msg("Stored puppet failed verification, reprovisioning")
	}

	user, err := us.provision(ctx, mxid)
	if err != nil {
		return nil, err
	}
	us.mu.Lock()
	us.index.put(user)
	us.mu.Unlock()
	us.log.Info().Stringer("user_id", mxid).
		Str("mattermost_user_id", user.MattermostUserID).
		Str("mattermost_username", user.MattermostUsername).
		Msg("Provisioned puppet account")
	return user, nil
}

// UpdateUser re-syncs the puppet's displayname from the Matrix profile and
// pushes the change to Mattermost only if it differs from the cached value.
func (us *UserStore) UpdateUser(ctx context.Context, user *PuppetUser) error {
	displayname := localpartOf(user.MXID)
	if fetched, err := us.br.Matrix.GetDisplayName(ctx, user.MXID); err == nil && fetched != "" {
		displayname = fetched
	}
	if user.Displayname == displayname {
		return nil
	}
	user.Displayname = displayname
	if err := us.br.DB.Puppets.UpdateDisplayname(ctx, user.MXID, displayname); err != nil {
		return fmt.Errorf("failed to save displayname: %w", err)
	}
	lastName := ""
	_, _, err := us.br.MM.PatchUser(ctx, user.MattermostUserID, &model.UserPatch{
		FirstName: &displayname,
		LastName:  &lastName,
	})
	if err != nil {
		return fmt.Errorf("failed to patch mattermost profile: %w", err)
	}
	return nil
}

func (us *UserStore) bind(dbPuppet *database.Puppet) *PuppetUser {
	// Native accounts have no puppet token; actions on their behalf go
	// through the admin client.
	client := us.br.MM
	if dbPuppet.AccessToken != "" {
		client = us.br.NewMMClient(dbPuppet.AccessToken)
	}
	return &PuppetUser{
		Puppet: dbPuppet,
		Client: client,
	}
}

// verify checks that the stored record still resolves to the stored
// account. Guards against stale records after external renames, account
// deletion or token revocation.
func (us *UserStore) verify(ctx context.Context, user *PuppetUser) bool {
	// Native links carry no puppet token, check the account itself through
	// the admin client.
	if !user.IsMatrixUser {
		account, _, err := us.br.MM.GetUser(ctx, user.MattermostUserID, "")
		return err == nil && account.Username == user.MattermostUsername
	}
	me, _, err := user.Client.GetMe(ctx, "")
	if err != nil {
		return false
	}
	return me.Id == user.MattermostUserID && me.Username == user.MattermostUsername
}

func (us *UserStore) provision(ctx context.Context, mxid id.UserID) (*PuppetUser, error) {
	localpart := localpartOf(mxid)

	displayname := ""
	if fetched, err := us.br.Matrix.GetDisplayName(ctx, mxid); err == nil {
		displayname = fetched
	} else {
		us.log.Debug().Err(err).Stringer("user_id", mxid).Msg("No displayname found")
	}

	username := sanitizeUsername(us.br.Config.FormatUsername(UsernameParams{
		Localpart:   localpart,
		Displayname: displayname,
	}))
	existing, _, err := us.br.MM.GetUsersByUsernames(ctx, []string{username})
	if err != nil {
		us.log.Warn().Err(err).Str("username", username).
			Msg("Failed to check username availability")
	} else if len(existing) > 0 {
		username = sanitizeUsername(username + "_" + strings.ToLower(random.String(4)))
	}

	email := ""
	if us.br.Emails != nil {
		email, err = us.br.Emails.GetUserEmail(ctx, mxid)
		if err != nil {
			us.log.Warn().Err(err).Stringer("user_id", mxid).
				Msg("Failed to get account email")
		} else if email != "" {
			us.log.Info().Stringer("user_id", mxid).Str("email", email).
				Msg("Found email for account")
		}
	}
	if email != "" {
		// A Mattermost account already owning this email is a native user.
		// Link it instead of creating a puppet.
		if native := us.linkNativeAccount(ctx, mxid, email, displayname); native != nil {
			return native, nil
		}
	}
	if email == "" {
		email = username + "@matrix.bridge.local"
	}

	account, _, err := us.br.MM.CreateUser(ctx, &model.User{
		Username:  username,
		Email:     email,
		Password:  random.String(32),
		FirstName: displayname,
		Nickname:  displayname,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mattermost account: %w", err)
	}
	token, _, err := us.br.MM.CreateUserAccessToken(ctx, account.Id, "matrix bridge puppet")
	if err != nil {
		return nil, fmt.Errorf("failed to create puppet access token: %w", err)
	}

	dbPuppet := &database.Puppet{
		MXID:               mxid,
		MattermostUserID:   account.Id,
		MattermostUsername: account.Username,
		Displayname:        displayname,
		IsMatrixUser:       true,
		AccessToken:        token.Token,
	}
	if err = us.br.DB.Puppets.Upsert(ctx, dbPuppet); err != nil {
		return nil, fmt.Errorf("failed to save puppet: %w", err)
	}
	return us.bind(dbPuppet), nil
}

// linkNativeAccount binds a Matrix user to the existing Mattermost account
// owning their email, persisting an is_matrix_user=false record. Returns nil
// when no such account exists or the link cannot be saved.
func (us *UserStore) linkNativeAccount(ctx context.Context, mxid id.UserID, email, displayname string) *PuppetUser {
	account, _, err := us.br.MM.GetUserByEmail(ctx, email, "")
	if err != nil {
		if !mattermost.IsNotFound(err) {
			us.log.Warn().Err(err).Str("email", email).
				Msg("Failed to look up account by email")
		}
		return nil
	}
	dbPuppet := &database.Puppet{
		MXID:               mxid,
		MattermostUserID:   account.Id,
		MattermostUsername: account.Username,
		Displayname:        displayname,
	}
	if err = us.br.DB.Puppets.Upsert(ctx, dbPuppet); err != nil {
		us.log.Warn().Err(err).Stringer("user_id", mxid).
			Msg("Failed to save native account link")
		return nil
	}
	us.log.Info().Stringer("user_id", mxid).
		Str("mattermost_user_id", account.Id).
		Str("mattermost_username", account.Username).
		Msg("Linked to existing native account")
	return us.bind(dbPuppet)
}

func localpartOf(userID id.UserID) string {
	localpart, _, _ := userID.Parse()
	return localpart
}

// sanitizeUsername coerces a templated name into Mattermost's username
// rules: lowercase, [a-z0-9._-], starts with a letter, 3 to 22 characters.
func sanitizeUsername(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	username := sb.String()
	if username == "" || username[0] < 'a' || username[0] > 'z' {
		username = "m" + username
	}
	if len(username) > maxUsernameLength {
		username = username[:maxUsernameLength]
	}
	for len(username) < minUsernameLength {
		username += "_"
	}
	return username
}

// Mattermost username length rules.
const (
	minUsernameLength = 3
	maxUsernameLength = 22
)
