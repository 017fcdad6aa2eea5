package sheets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

var ErrMissingCredentials = errors.New("missing credentials: set a service account file or an OAuth access/refresh token")

// Credentials selects how the Sheets client authenticates. A service account
// file (local path or http(s) URL) takes precedence over OAuth tokens.
type Credentials struct {
	ServiceAccountFile string
	AccessToken        string
	RefreshToken       string
	ClientID           string
	ClientSecret       string
}

// Empty reports whether no credential source is configured
func (c Credentials) Empty() bool {
	return c.ServiceAccountFile == "" && c.AccessToken == "" && c.RefreshToken == ""
}

// ClientOptions resolves the credentials into API client options
func (c Credentials) ClientOptions(ctx context.Context) ([]option.ClientOption, error) {
	if c.ServiceAccountFile != "" {
		data, err := LoadServiceAccount(ctx, c.ServiceAccountFile)
		if err != nil {
			return nil, err
		}
		return []option.ClientOption{
			option.WithCredentialsJSON(data),
			option.WithScopes(sheetsapi.SpreadsheetsScope),
		}, nil
	}

	if c.AccessToken == "" && c.RefreshToken == "" {
		return nil, ErrMissingCredentials
	}

	token := &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
	if c.RefreshToken == "" {
		return []option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, nil
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, errors.New("refresh token requires an OAuth client id and secret")
	}
	cfg := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{sheetsapi.SpreadsheetsScope},
	}
	return []option.ClientOption{option.WithTokenSource(cfg.TokenSource(ctx, token))}, nil
}

// serviceAccount holds the fields required to sign JWTs
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// LoadServiceAccount reads service account JSON from a file path or an
// http(s) URL and checks that it carries client_email and private_key.
func LoadServiceAccount(ctx context.Context, ref string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		data, err = fetch(ctx, ref)
	} else {
		data, err = os.ReadFile(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials %q: %w", ref, err)
	}

	if err := ValidateServiceAccount(data); err != nil {
		return nil, fmt.Errorf("credentials %q: %w", ref, err)
	}
	return data, nil
}

// ValidateServiceAccount checks a service account JSON document
func ValidateServiceAccount(data []byte) error {
	var sa serviceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return errors.New("missing [client_email] or [private_key]")
	}
	return nil
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
