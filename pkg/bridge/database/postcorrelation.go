// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// PostCorrelation links a Matrix event to the Mattermost post it produced.
// ThreadRootID equals PostID when the post started a new thread.
type PostCorrelation struct {
	EventID      id.EventID
	PostID       string
	ThreadRootID string
}

func newPostCorrelation(_ *dbutil.QueryHelper[*PostCorrelation]) *PostCorrelation {
	return &PostCorrelation{}
}

func (pc *PostCorrelation) Scan(row dbutil.Scannable) (*PostCorrelation, error) {
	err := row.Scan(&pc.EventID, &pc.PostID, &pc.ThreadRootID)
	return dbutil.ValueOrErr(pc, err)
}

// PostQuery provides access to the post_correlation table.
type PostQuery struct {
	*dbutil.QueryHelper[*PostCorrelation]
}

const (
	getPostByEventIDQuery = `
		SELECT event_id, post_id, thread_root_id FROM post_correlation WHERE event_id=$1
	`
	insertPostQuery = `
		INSERT INTO post_correlation (event_id, post_id, thread_root_id) VALUES ($1, $2, $3)
	`
	deletePostsByPostIDQuery = `
		DELETE FROM post_correlation WHERE post_id=$1
	`
)

// GetByEventID returns the correlation for a Matrix event id, or nil if the
// event was never bridged.
func (pq *PostQuery) GetByEventID(ctx context.Context, eventID id.EventID) (*PostCorrelation, error) {
	return pq.QueryOne(ctx, getPostByEventIDQuery, eventID)
}

func (pq *PostQuery) Insert(ctx context.Context, pc *PostCorrelation) error {
	return pq.Exec(ctx, insertPostQuery, pc.EventID, pc.PostID, pc.ThreadRootID)
}

// DeleteByPostID removes every correlation referencing the given Mattermost
// post, including correlations of edits sharing the post id.
func (pq *PostQuery) DeleteByPostID(ctx context.Context, postID string) error {
	return pq.Exec(ctx, deletePostsByPostIDQuery, postID)
}
