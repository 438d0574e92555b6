package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
)

// Reason codes for empty discovery results, so the frontend can render
// actionable guidance instead of a bare empty list.
const (
	ReasonNoIntegration   = "no_integration"
	ReasonNoGuilds        = "no_guilds"
	ReasonBotNotInstalled = "bot_not_installed"
	ReasonNoUserToken     = "no_user_token"
	ReasonNoTeams         = "no_teams"
)

type SlackAPI interface {
	ListUserChannels(ctx context.Context, userToken string) ([]platform.SlackChannel, error)
	ListChannels(ctx context.Context, creds platform.Credentials, containerID string) ([]platform.Channel, error)
}

type DiscordAPI interface {
	ListContainers(ctx context.Context, creds platform.Credentials) ([]platform.Container, error)
	ListChannels(ctx context.Context, creds platform.Credentials, containerID string) ([]platform.Channel, error)
}

type TeamsAPI interface {
	FreshAccessToken(ctx context.Context, integ *model.Integration) (string, error)
	ListContainers(ctx context.Context, creds platform.Credentials) ([]platform.Container, error)
	ListChannels(ctx context.Context, creds platform.Credentials, containerID string) ([]platform.Channel, error)
	IsTeamOwner(ctx context.Context, accessToken, teamID, teamsUserID string) (bool, error)
}

// DiscoveryService computes, per platform, the destinations a user can
// still attach: (accessible to the user ∩ accessible to the bot) minus
// what is already integrated.
type DiscoveryService struct {
	integrations *IntegrationService
	slack        SlackAPI
	discord      DiscordAPI
	teams        TeamsAPI
}

func NewDiscoveryService(integrations *IntegrationService, slack SlackAPI, discord DiscordAPI, teams TeamsAPI) *DiscoveryService {
	return &DiscoveryService{
		integrations: integrations,
		slack:        slack,
		discord:      discord,
		teams:        teams,
	}
}

type AvailableGuild struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Channels []platform.Channel `json:"channels"`
}

type GuildDiscovery struct {
	Guilds []AvailableGuild `json:"guilds"`
	Reason string           `json:"reason,omitempty"`
}

// DiscordAvailableGuilds intersects the guild snapshot captured at
// connect time with the guilds the bot is currently installed in,
// then drops channels (and thereby guilds) already integrated.
func (s *DiscoveryService) DiscordAvailableGuilds(ctx context.Context, userID string) (*GuildDiscovery, error) {
	base, err := s.integrations.FindBase(ctx, model.PlatformDiscord, userID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return &GuildDiscovery{Guilds: []AvailableGuild{}, Reason: ReasonNoIntegration}, nil
	}
	if base.GuildSnapshot == nil || *base.GuildSnapshot == "" {
		return &GuildDiscovery{Guilds: []AvailableGuild{}, Reason: ReasonNoGuilds}, nil
	}

	userGuilds := make(map[string]bool)
	for _, id := range strings.Split(*base.GuildSnapshot, ",") {
		if id != "" {
			userGuilds[id] = true
		}
	}

	botGuilds, err := s.discord.ListContainers(ctx, platform.Credentials{})
	if err != nil {
		return nil, err
	}

	taken, err := s.integratedKeys(ctx, model.PlatformDiscord, userID)
	if err != nil {
		return nil, err
	}

	var available []AvailableGuild
	shared := false
	for _, guild := range botGuilds {
		if !userGuilds[guild.ID] {
			continue
		}
		shared = true
		channels, err := s.discord.ListChannels(ctx, platform.Credentials{}, guild.ID)
		if err != nil {
			log.Warn().Err(err).Str("guild_id", guild.ID).Msg("failed to list guild channels")
			continue
		}
		eligible := filterChannels(channels, guild.ID, taken)
		if len(eligible) == 0 {
			continue
		}
		available = append(available, AvailableGuild{ID: guild.ID, Name: guild.Name, Channels: eligible})
	}

	result := &GuildDiscovery{Guilds: available}
	if result.Guilds == nil {
		result.Guilds = []AvailableGuild{}
	}
	if !shared {
		result.Reason = ReasonBotNotInstalled
	}
	return result, nil
}

type ChannelDiscovery struct {
	Channels []platform.Channel `json:"channels"`
	Reason   string             `json:"reason,omitempty"`
}

// SlackAvailableChannels returns channels created by the connected
// user that the bot can also see, minus what is already attached.
func (s *DiscoveryService) SlackAvailableChannels(ctx context.Context, userID string) (*ChannelDiscovery, error) {
	base, err := s.integrations.FindBase(ctx, model.PlatformSlack, userID)
	if err != nil {
		return nil, err
	}
	if base == nil || base.BotToken == nil {
		return &ChannelDiscovery{Channels: []platform.Channel{}, Reason: ReasonNoIntegration}, nil
	}
	if base.UserToken == nil {
		return &ChannelDiscovery{Channels: []platform.Channel{}, Reason: ReasonNoUserToken}, nil
	}
	if base.ExternalUserID == nil {
		return &ChannelDiscovery{Channels: []platform.Channel{}, Reason: ReasonNoIntegration}, nil
	}

	userChannels, err := s.slack.ListUserChannels(ctx, *base.UserToken)
	if err != nil {
		return nil, err
	}
	created := make(map[string]bool)
	for _, ch := range userChannels {
		if ch.Creator == *base.ExternalUserID {
			created[ch.ID] = true
		}
	}

	botChannels, err := s.slack.ListChannels(ctx, platform.Credentials{BotToken: *base.BotToken}, "")
	if err != nil {
		return nil, err
	}
	if len(botChannels) == 0 {
		return &ChannelDiscovery{Channels: []platform.Channel{}, Reason: ReasonBotNotInstalled}, nil
	}

	containerID := ""
	if base.ContainerID != nil {
		containerID = *base.ContainerID
	}
	taken, err := s.integratedKeys(ctx, model.PlatformSlack, userID)
	if err != nil {
		return nil, err
	}

	available := []platform.Channel{}
	for _, ch := range botChannels {
		if !created[ch.ID] {
			continue
		}
		if taken[channelKey(containerID, ch.ID)] {
			continue
		}
		ch.ContainerID = containerID
		available = append(available, ch)
	}
	return &ChannelDiscovery{Channels: available}, nil
}

type AvailableTeam struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Channels []platform.Channel `json:"channels"`
}

type TeamDiscovery struct {
	Teams  []AvailableTeam `json:"teams"`
	Reason string          `json:"reason,omitempty"`
}

// TeamsAvailableTeams lists joined teams and their channels, minus
// attached ones. ownedOnly restricts to teams where the connected user
// holds the owner role, since only owners can approve app installs.
func (s *DiscoveryService) TeamsAvailableTeams(ctx context.Context, userID string, ownedOnly bool) (*TeamDiscovery, error) {
	base, err := s.integrations.FindBase(ctx, model.PlatformTeams, userID)
	if err != nil {
		return nil, err
	}
	if base == nil || base.AccessToken == nil {
		return &TeamDiscovery{Teams: []AvailableTeam{}, Reason: ReasonNoIntegration}, nil
	}

	accessToken, err := s.teams.FreshAccessToken(ctx, base)
	if err != nil {
		return nil, err
	}
	creds := platform.Credentials{AccessToken: accessToken}

	joined, err := s.teams.ListContainers(ctx, creds)
	if err != nil {
		return nil, err
	}
	if len(joined) == 0 {
		return &TeamDiscovery{Teams: []AvailableTeam{}, Reason: ReasonNoTeams}, nil
	}

	taken, err := s.integratedKeys(ctx, model.PlatformTeams, userID)
	if err != nil {
		return nil, err
	}

	teams := []AvailableTeam{}
	for _, team := range joined {
		if ownedOnly && base.ExternalUserID != nil {
			owner, err := s.teams.IsTeamOwner(ctx, accessToken, team.ID, *base.ExternalUserID)
			if err != nil {
				log.Warn().Err(err).Str("team_id", team.ID).Msg("teams ownership check failed")
				continue
			}
			if !owner {
				continue
			}
		}
		channels, err := s.teams.ListChannels(ctx, creds, team.ID)
		if err != nil {
			log.Warn().Err(err).Str("team_id", team.ID).Msg("failed to list team channels")
			continue
		}
		eligible := filterChannels(channels, team.ID, taken)
		if len(eligible) == 0 {
			continue
		}
		teams = append(teams, AvailableTeam{ID: team.ID, Name: team.Name, Channels: eligible})
	}
	return &TeamDiscovery{Teams: teams}, nil
}

// integratedKeys collects (container, channel) keys of the user's live
// rows. Discovery never offers a destination already attached.
func (s *DiscoveryService) integratedKeys(ctx context.Context, p model.Platform, userID string) (map[string]bool, error) {
	rows, err := s.integrations.ListByUser(ctx, p, userID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(rows))
	for _, row := range rows {
		containerID, channelID := "", ""
		if row.ContainerID != nil {
			containerID = *row.ContainerID
		}
		if row.ChannelID != nil {
			channelID = *row.ChannelID
		}
		taken[channelKey(containerID, channelID)] = true
	}
	return taken, nil
}

func filterChannels(channels []platform.Channel, containerID string, taken map[string]bool) []platform.Channel {
	eligible := make([]platform.Channel, 0, len(channels))
	for _, ch := range channels {
		if taken[channelKey(containerID, ch.ID)] {
			continue
		}
		ch.ContainerID = containerID
		eligible = append(eligible, ch)
	}
	return eligible
}

func channelKey(containerID, channelID string) string {
	return containerID + "\x00" + channelID
}
