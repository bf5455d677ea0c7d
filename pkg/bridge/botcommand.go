// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"

	"maunium.net/go/mautrix/event"
)

// botCommand is a parsed bang command addressed to the bridge bot.
type botCommand struct {
	Name string
	Args []string
}

// parseCommand recognizes "!<prefix> <name> [args...]" messages. Returns
// nil for anything else so regular messages pass through untouched.
func (br *Bridge) parseCommand(body string) *botCommand {
	prefix := "!" + br.Config.Bridge.CommandPrefix
	if !strings.HasPrefix(body, prefix) {
		return nil
	}
	rest := strings.TrimPrefix(body, prefix)
	if rest != "" && rest[0] != ' ' {
		return nil
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return &botCommand{}
	}
	return &botCommand{Name: fields[0], Args: fields[1:]}
}

// handleCommand answers commands sent in an already-mapped room.
func (br *Bridge) handleCommand(ctx context.Context, evt *event.Event, cmd *botCommand) error {
	switch cmd.Name {
	case "hello":
		br.notice(ctx, evt.RoomID, "Hello! The Mattermost bridge is up and this room is bridged.")
	case "map":
		br.notice(ctx, evt.RoomID, "This room is already mapped to a Mattermost channel.")
	default:
		br.notice(ctx, evt.RoomID, "%s", br.commandUsage())
	}
	return nil
}

func (br *Bridge) commandUsage() string {
	prefix := "!" + br.Config.Bridge.CommandPrefix
	return "Usage: <code>" + prefix + " hello</code> | <code>" + prefix + " map &lt;name&gt; [public|private]</code>"
}

// mapOverride is the forced-mapping override a map command applies during
// onboarding.
type mapOverride struct {
	RoomName   string
	Private    bool
	HasPrivacy bool
}

// parseMapOverride extracts a forced mapping from a map command. Returns
// nil when the command is not a valid map invocation.
func parseMapOverride(cmd *botCommand) *mapOverride {
	if cmd == nil || cmd.Name != "map" || len(cmd.Args) == 0 {
		return nil
	}
	ov := &mapOverride{RoomName: cmd.Args[0]}
	if len(cmd.Args) > 1 {
		switch strings.ToLower(cmd.Args[1]) {
		case "private":
			ov.Private = true
			ov.HasPrivacy = true
		case "public":
			ov.HasPrivacy = true
		}
	}
	return ov
}
