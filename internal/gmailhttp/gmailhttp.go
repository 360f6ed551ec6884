/*
Package gmailhttp implements an HTTP client for the Gmail API using
OAuth 2.0 installed-application credentials.

The caller supplies a credentials file downloaded from the Google
Cloud Console and a token cache path.  A cached token is reused and
refreshed transparently; when none exists the package runs the
out-of-band authorization flow, printing the consent URL and reading
the resulting code from standard input, then caches the token for
future runs.

Tokens are cached with owner-only permissions: the refresh token is
as sensitive as the mailbox itself.
*/
package gmailhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const tokenFileMode = 0600

// New returns an HTTP client authorized for the given Gmail scope.
func New(ctx context.Context, credentialsPath, tokenPath, scope string) (*http.Client, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, errors.Wrapf(err,
			"unable to read OAuth credentials at %q; download them "+
				"from the Google Cloud Console (APIs & Services -> Credentials)",
			credentialsPath)
	}
	config, err := google.ConfigFromJSON(b, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse OAuth credentials at %q", credentialsPath)
	}

	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		tok, err = authorize(ctx, config)
		if err != nil {
			return nil, err
		}
		if err := saveToken(tokenPath, tok); err != nil {
			return nil, err
		}
	}

	return config.Client(ctx, tok), nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, errors.Wrapf(err, "unable to decode cached token at %q", path)
	}
	return tok, nil
}

// authorize runs the interactive consent flow.
func authorize(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	url := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Open the following link in your browser, authorize the "+
		"application, then paste the code here:\n%v\n> ", url)

	var code string
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return nil, errors.New("no authorization code provided")
	}
	code = scanner.Text()

	tok, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "unable to exchange authorization code for token")
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "unable to encode OAuth token")
	}
	if err := os.WriteFile(path, b, tokenFileMode); err != nil {
		return errors.Wrapf(err, "unable to cache OAuth token at %q", path)
	}
	return nil
}
