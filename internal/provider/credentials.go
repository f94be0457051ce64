package provider

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// EnvCredentials resolves credentials from the process environment:
// CONVREL_CRED_<SITE>_<PROVIDER> first, then CONVREL_CRED_<PROVIDER>.
// Suitable for single-box deployments and tests; production swaps in a real
// secret backend behind the same interface.
type EnvCredentials struct{}

func (EnvCredentials) GetCredentials(_ context.Context, siteID, providerKey string) ([]byte, error) {
	for _, name := range []string{
		"CONVREL_CRED_" + envToken(siteID) + "_" + envToken(providerKey),
		"CONVREL_CRED_" + envToken(providerKey),
	} {
		if v := os.Getenv(name); v != "" {
			return []byte(v), nil
		}
	}
	return nil, eris.Errorf("no credentials for site %q provider %q", siteID, providerKey)
}

func envToken(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
