// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Puppet is the persisted half of a cross-platform identity pairing.
// IsMatrixUser is true for Mattermost accounts provisioned by this bridge to
// represent native Matrix users, and false for records that originate as
// native Mattermost users whose traffic is pushed back to Matrix.
type Puppet struct {
	MXID               id.UserID
	MattermostUserID   string
	MattermostUsername string
	Displayname        string
	IsMatrixUser       bool
	AccessToken        string
}

func newPuppet(_ *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{}
}

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	err := row.Scan(&p.MXID, &p.MattermostUserID, &p.MattermostUsername, &p.Displayname, &p.IsMatrixUser, &p.AccessToken)
	return dbutil.ValueOrErr(p, err)
}

// PuppetQuery provides access to the puppet table.
type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

const (
	getPuppetByMXIDQuery = `
		SELECT mxid, mattermost_userid, mattermost_username, displayname, is_matrix_user, access_token
		FROM puppet WHERE mxid=$1
	`
	getPuppetByMattermostIDQuery = `
		SELECT mxid, mattermost_userid, mattermost_username, displayname, is_matrix_user, access_token
		FROM puppet WHERE mattermost_userid=$1
	`
	upsertPuppetQuery = `
		INSERT INTO puppet (mxid, mattermost_userid, mattermost_username, displayname, is_matrix_user, access_token)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mxid) DO UPDATE
			SET mattermost_userid=excluded.mattermost_userid,
			    mattermost_username=excluded.mattermost_username,
			    displayname=excluded.displayname,
			    is_matrix_user=excluded.is_matrix_user,
			    access_token=excluded.access_token
	`
	updatePuppetDisplaynameQuery = `
		UPDATE puppet SET displayname=$2 WHERE mxid=$1
	`
)

func (pq *PuppetQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByMXIDQuery, mxid)
}

func (pq *PuppetQuery) GetByMattermostID(ctx context.Context, userID string) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByMattermostIDQuery, userID)
}

// Upsert replaces an existing record for the same Matrix user, covering
// reprovisioning after a stale record failed verification.
func (pq *PuppetQuery) Upsert(ctx context.Context, p *Puppet) error {
	return pq.Exec(ctx, upsertPuppetQuery,
		p.MXID, p.MattermostUserID, p.MattermostUsername, p.Displayname, p.IsMatrixUser, p.AccessToken)
}

func (pq *PuppetQuery) UpdateDisplayname(ctx context.Context, mxid id.UserID, displayname string) error {
	return pq.Exec(ctx, updatePuppetDisplaynameQuery, mxid, displayname)
}
