// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge"
)

// AdminClient looks up user account details through the Synapse admin API.
// It requires the bridge bot to be a homeserver admin.
type AdminClient struct {
	cli *mautrix.Client
	log zerolog.Logger
}

var _ bridge.EmailDirectory = (*AdminClient)(nil)

func NewAdminClient(cli *mautrix.Client, log zerolog.Logger) *AdminClient {
	return &AdminClient{
		cli: cli,
		log: log.With().Str("component", "synapse_admin").Logger(),
	}
}

type adminUserResponse struct {
	Threepids []struct {
		Medium  string `json:"medium"`
		Address string `json:"address"`
	} `json:"threepids"`
}

// GetUserEmail returns the first email threepid of the given user, or an
// empty string when the account has none.
func (a *AdminClient) GetUserEmail(ctx context.Context, userID id.UserID) (string, error) {
	var resp adminUserResponse
	_, err := a.cli.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:       http.MethodGet,
		URL:          a.cli.BuildURL(mautrix.SynapseAdminURLPath{"v2", "users", userID}),
		ResponseJSON: &resp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up account data of %s: %w", userID, err)
	}
	for _, threepid := range resp.Threepids {
		if threepid.Medium == "email" {
			return threepid.Address, nil
		}
	}
	return "", nil
}
