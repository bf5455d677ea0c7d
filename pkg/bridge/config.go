// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// MatrixConfig holds the homeserver connection details for the bridge bot.
type MatrixConfig struct {
	HomeserverURL string    `yaml:"homeserver_url"`
	UserID        id.UserID `yaml:"user_id"`
	AccessToken   string    `yaml:"access_token"`
}

// MattermostConfig holds the Mattermost connection and puppeting details.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	// AdminToken is a personal access token of a Mattermost system admin.
	// Puppet accounts are created and token-provisioned through it.
	AdminToken string `yaml:"admin_token"`
	// Team is the name of the Mattermost team bridged channels live in. It
	// is created on first use if it does not exist.
	Team string `yaml:"team"`
	// UsernameTemplate renders the Mattermost username for a puppet account.
	// Available variables: {{.Localpart}} and {{.Displayname}}.
	UsernameTemplate string `yaml:"username_template"`
}

// BridgeConfig holds behavior knobs for the event pipeline.
type BridgeConfig struct {
	// CommandPrefix is the bang-command name the bot answers to, without the
	// leading "!".
	CommandPrefix string `yaml:"command_prefix"`
	// BotPrefix marks bridge-managed Matrix users by localpart prefix.
	// Their events are echoes of the bridge's own actions and are never
	// relayed. Empty disables the filter, the bot's own user id is always
	// excluded.
	BotPrefix string `yaml:"bot_prefix"`
	// ProvisionTimeoutMS bounds how long a caller waits for a concurrent
	// provisioning of the same puppet before giving up.
	ProvisionTimeoutMS int `yaml:"provision_timeout_ms"`
}

type LoggingConfig struct {
	MinLevel string `yaml:"min_level"`
}

// Config is the root bridge configuration.
type Config struct {
	Matrix     MatrixConfig     `yaml:"matrix"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Database   dbutil.Config    `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`

	usernameTemplate *template.Template `yaml:"-"`
}

// UsernameParams holds the parameters for rendering the username template.
type UsernameParams struct {
	Localpart   string
	Displayname string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess compiles templates and fills defaults. It must be called once
// after unmarshaling and before the config is used.
func (c *Config) PostProcess() error {
	if c.Mattermost.UsernameTemplate == "" {
		c.Mattermost.UsernameTemplate = "matrix_{{.Localpart}}"
	}
	if c.Bridge.CommandPrefix == "" {
		c.Bridge.CommandPrefix = "mattermost"
	}
	if c.Bridge.ProvisionTimeoutMS <= 0 {
		c.Bridge.ProvisionTimeoutMS = 30000
	}
	var err error
	c.usernameTemplate, err = template.New("username").Parse(c.Mattermost.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid username template: %w", err)
	}
	return nil
}

// FormatUsername generates a Mattermost username from the template and
// params. The result is not yet sanitized to Mattermost's username rules.
func (c *Config) FormatUsername(params UsernameParams) string {
	if c.usernameTemplate == nil {
		return params.Localpart
	}
	var buf []byte
	err := c.usernameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.Localpart
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// LoadConfig reads, parses and post-processes the config file at the given
// path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
