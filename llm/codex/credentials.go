package codex

import (
	"context"

	"github.com/pihq/pi/llm/httpclient"
	"github.com/pihq/pi/llm/oauth"
)

// DefaultTokenURLs are the production OpenAI OAuth endpoints.
var DefaultTokenURLs = oauth.OAuthUrls{
	AuthorizeUrl: AuthorizeURL,
	TokenUrl:     TokenURL,
}

type TokenProviderParams struct {
	Credentials *oauth.OAuthCredentials
	HTTPClient  *httpclient.HttpClient
	OnRefreshed func(ctx context.Context, refreshed *oauth.OAuthCredentials) error
}

// NewTokenProvider creates a refresh-capable provider for Codex credentials.
func NewTokenProvider(params TokenProviderParams) *oauth.TokenProvider {
	return oauth.NewTokenProvider(oauth.TokenProviderParams{
		Credentials: params.Credentials,
		HTTPClient:  params.HTTPClient,
		OAuthUrls:   DefaultTokenURLs,
		UserAgent:   UserAgent,
		OnRefreshed: params.OnRefreshed,
	})
}

// ParseCredentialsJSON parses stored credentials, defaulting the client id
// when absent, and returns the account id extracted from the access token
// ("" when the token carries none).
func ParseCredentialsJSON(raw string) (*oauth.OAuthCredentials, string, error) {
	creds, err := oauth.ParseCredentialsJSON(raw)
	if err != nil {
		return nil, "", err
	}

	if creds.ClientID == "" {
		creds.ClientID = ClientID
	}

	return creds, ExtractAccountID(creds.AccessToken), nil
}
