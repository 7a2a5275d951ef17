package twitchapi

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// NewAppTokenSource returns a cached, auto-refreshing client-credentials
// token source for Helix API calls.
// NOTE: app access tokens CANNOT be used for IRC chat; chat requires a
// user (bot) OAuth token with chat:read/chat:edit scopes.
func NewAppTokenSource(ctx context.Context, clientID, clientSecret string) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     twitch.Endpoint.TokenURL,
	}
	return cfg.TokenSource(ctx)
}
