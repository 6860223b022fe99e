// Package gdrive wraps the Google Drive v3 API for the sync core: lookups by
// parent and name, folder creation, content upload/download, metadata moves,
// and trash/delete, all with bounded retry.
package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/rs/zerolog/log"
)

// AuthConfig locates the OAuth client secret and the cached token.
type AuthConfig struct {
	ClientSecretPath string `yaml:"clientSecret"`
	TokenCachePath   string `yaml:"tokenCache"`
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) {
	data, err := json.Marshal(tok)
	if err != nil {
		log.Error().Err(err).Msg("Could not serialize oauth token.")
		return
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not cache oauth token.")
	}
}

// NewService authenticates against Drive using the cached token, falling back
// to the out-of-band console flow when no token is cached.
func NewService(ctx context.Context, conf AuthConfig) (*drive.Service, error) {
	secret, err := os.ReadFile(conf.ClientSecretPath)
	if err != nil {
		return nil, fmt.Errorf("could not read client secret file: %w", err)
	}
	oauthConf, err := google.ConfigFromJSON(secret, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("could not parse client secret file: %w", err)
	}

	tok, err := tokenFromFile(conf.TokenCachePath)
	if err != nil {
		tok, err = tokenFromConsole(ctx, oauthConf)
		if err != nil {
			return nil, err
		}
		saveToken(conf.TokenCachePath, tok)
	}

	svc, err := drive.NewService(ctx, option.WithTokenSource(oauthConf.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("could not create drive service: %w", err)
	}
	return svc, nil
}

func tokenFromConsole(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	authURL := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser, then type the authorization code:\n%v\n", authURL)

	var code string
	if _, err := fmt.Scan(&code); err != nil {
		return nil, fmt.Errorf("could not read authorization code: %w", err)
	}
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("could not exchange authorization code: %w", err)
	}
	return tok, nil
}
