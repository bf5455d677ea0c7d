// Copyright 2024-2026 Aiku AI

// Package database contains the persisted entities of the bridge core and
// their queries: post correlations, room mappings, and puppet records.
package database

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Database bundles the query helpers for all bridge tables.
type Database struct {
	*dbutil.Database

	Post    *PostQuery
	Mapping *MappingQuery
	Puppet  *PuppetQuery
}

var table dbutil.UpgradeTable

//go:embed *.sql
var upgrades embed.FS

func init() {
	table.RegisterFS(upgrades)
}

// New wraps a dbutil database with the bridge query helpers and registers
// the schema upgrade table. Call Upgrade before first use.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = table
	return &Database{
		Database: db,
		Post:     &PostQuery{dbutil.MakeQueryHelper(db, newPostCorrelation)},
		Mapping:  &MappingQuery{dbutil.MakeQueryHelper(db, newRoomMapping)},
		Puppet:   &PuppetQuery{dbutil.MakeQueryHelper(db, newPuppet)},
	}
}
