// Package turnkit holds application-wide defaults shared by the config and
// storage layers.
package turnkit

const (
	DefaultAppName      = "turnkit"
	DefaultConfigPath   = "$HOME/.config/turnkit"
	DefaultDatabaseDir  = "$HOME/.local/share/turnkit"
	DefaultDatabaseFile = "conversations.db"
	DefaultEnvPrefix    = "TURNKIT"
)
