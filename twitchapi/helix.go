// Package twitchapi contains minimal helpers for the Twitch Helix
// endpoints the chat built-ins use: stream and channel lookups behind
// uptime/title/game, and the channel patch behind their moderator
// update forms.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// HelixClient provides the minimal Helix surface the bot needs.
type HelixClient struct {
	TokenSource oauth2.TokenSource
	ClientID    string
	HTTPClient  *http.Client
	BaseURL     string // defaults to the public Helix API; overridable for tests
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultBaseURL
}

func (hc *HelixClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	tok, err := hc.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ChannelPatch is a partial channel update. Nil fields are left
// untouched by Helix.
type ChannelPatch struct {
	Title  *string `json:"title,omitempty"`
	GameID *string `json:"game_id,omitempty"`
}

// ModifyChannelInfo patches the broadcaster's channel metadata.
// NOTE: Helix rejects app access tokens here; the token source must
// carry a user token with the channel:manage:broadcast scope.
func (hc *HelixClient) ModifyChannelInfo(ctx context.Context, broadcasterID string, patch ChannelPatch) error {
	if broadcasterID == "" {
		return fmt.Errorf("broadcasterID empty")
	}
	tok, err := hc.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, hc.base()+"/channels", bytes.NewReader(body))
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("helix /channels: %s: %s", resp.Status, string(b))
	}
	return nil
}

// GetGameID resolves an exact category name to its game id. Returns
// ("", nil) when no category matches.
func (hc *HelixClient) GetGameID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/games", map[string]string{"name": name}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	return body.Data[0].ID, nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", map[string]string{"login": login}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Stream is a live stream as reported by Helix.
type Stream struct {
	Title     string    `json:"title"`
	GameName  string    `json:"game_name"`
	StartedAt time.Time `json:"started_at"`
}

// GetStream returns the channel's live stream, or nil when offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", map[string]string{"user_login": login}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// ChannelInfo is the subset of channel metadata the bot surfaces.
type ChannelInfo struct {
	Title    string `json:"title"`
	GameName string `json:"game_name"`
}

// GetChannelInfo returns title and category for a broadcaster id.
func (hc *HelixClient) GetChannelInfo(ctx context.Context, broadcasterID string) (*ChannelInfo, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []ChannelInfo `json:"data"`
	}
	if err := hc.get(ctx, "/channels", map[string]string{"broadcaster_id": broadcasterID}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("channel not found")
	}
	return &body.Data[0], nil
}
