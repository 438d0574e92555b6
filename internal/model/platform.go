package model

// Platform identifies a supported chat platform.
type Platform string

const (
	PlatformSlack    Platform = "slack"
	PlatformDiscord  Platform = "discord"
	PlatformTeams    Platform = "teams"
	PlatformTelegram Platform = "telegram"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformSlack, PlatformDiscord, PlatformTeams, PlatformTelegram:
		return true
	}
	return false
}

func (p Platform) String() string {
	return string(p)
}

type IntegrationStatus string

const (
	StatusDisabled IntegrationStatus = "disabled"
	StatusEnabled  IntegrationStatus = "enabled"
	StatusActive   IntegrationStatus = "active"
)

// ChatType distinguishes direct conversations from group channels.
type ChatType string

const (
	ChatTypeDirect  ChatType = "direct"
	ChatTypeChannel ChatType = "channel"
	ChatTypeGroup   ChatType = "group"
)
