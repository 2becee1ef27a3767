package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalithlochan/remindr/internal/db"
)

// Settings is the resolved delivery configuration. It is comparable, so a
// change in any field is a new settings version.
type Settings struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	TestMode    bool
	TestAddress string
}

// SettingsSource returns the persisted delivery configuration
type SettingsSource interface {
	ActiveMailSettings(ctx context.Context) (*db.MailSettings, error)
}

// Resolve merges the active database row with the environment override.
// Non-empty override fields win. A missing row is not an error as long as
// the override alone names a sender.
func Resolve(ctx context.Context, source SettingsSource, override Settings) (Settings, error) {
	var s Settings

	if source != nil {
		row, err := source.ActiveMailSettings(ctx)
		switch {
		case errors.Is(err, db.ErrNoMailSettings):
		case err != nil:
			return Settings{}, fmt.Errorf("load mail settings: %w", err)
		default:
			s = Settings{
				Host:        row.Host,
				Port:        row.Port,
				Username:    row.Username,
				Password:    row.Password,
				FromAddress: row.FromAddress,
				FromName:    row.FromName,
				TestMode:    row.TestMode,
				TestAddress: row.TestAddress,
			}
		}
	}

	if override.Host != "" {
		s.Host = override.Host
	}
	if override.Port != 0 {
		s.Port = override.Port
	}
	if override.Username != "" {
		s.Username = override.Username
		s.Password = override.Password
	}
	if override.FromAddress != "" {
		s.FromAddress = override.FromAddress
	}
	if override.FromName != "" {
		s.FromName = override.FromName
	}
	if override.TestMode {
		s.TestMode = true
	}
	if override.TestAddress != "" {
		s.TestAddress = override.TestAddress
	}

	if s.FromAddress == "" {
		return Settings{}, errors.New("mail settings: no from address configured")
	}
	if s.TestMode && s.TestAddress == "" {
		return Settings{}, errors.New("mail settings: test mode enabled without a test address")
	}
	return s, nil
}
