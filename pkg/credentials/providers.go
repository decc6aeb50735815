package credentials

// AuthStyle is how a token endpoint wants client credentials.
type AuthStyle int

const (
	// AuthStyleForm sends client_id/client_secret in the form body.
	AuthStyleForm AuthStyle = iota
	// AuthStyleBasic sends them as HTTP Basic auth.
	AuthStyleBasic
)

// Endpoints describes one OAuth provider's wire surface.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	AuthStyle    AuthStyle

	// OfflineAccess adds access_type=offline&prompt=consent to the
	// authorize URL. Google only issues refresh tokens when asked
	// this way.
	OfflineAccess bool
}

// builtinEndpoints maps catalog provider names to their endpoints.
var builtinEndpoints = map[string]Endpoints{
	"github": {
		AuthorizeURL: "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
	},
	"google": {
		AuthorizeURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:      "https://oauth2.googleapis.com/token",
		RevokeURL:     "https://oauth2.googleapis.com/revoke",
		OfflineAccess: true,
	},
	"notion": {
		AuthorizeURL: "https://api.notion.com/v1/oauth/authorize",
		TokenURL:     "https://api.notion.com/v1/oauth/token",
		AuthStyle:    AuthStyleBasic,
	},
	"slack": {
		AuthorizeURL: "https://slack.com/oauth/v2/authorize",
		TokenURL:     "https://slack.com/api/oauth.v2.access",
		RevokeURL:    "https://slack.com/api/auth.revoke",
	},
	"dropbox": {
		AuthorizeURL: "https://www.dropbox.com/oauth2/authorize",
		TokenURL:     "https://api.dropboxapi.com/oauth2/token",
		RevokeURL:    "https://api.dropboxapi.com/2/auth/token/revoke",
	},
	"figma": {
		AuthorizeURL: "https://www.figma.com/oauth",
		TokenURL:     "https://api.figma.com/v1/oauth/token",
	},
}

// ClientCredentials is one OAuth client registration: the platform's
// app with a provider, or an instance's own bring-your-own client.
type ClientCredentials struct {
	ID     string
	Secret string
}

// LookupEndpoints returns the wire surface for a provider name.
func LookupEndpoints(provider string) (Endpoints, bool) {
	e, ok := builtinEndpoints[provider]
	return e, ok
}

// Providers returns the names of all built-in providers.
func Providers() []string {
	out := make([]string, 0, len(builtinEndpoints))
	for name := range builtinEndpoints {
		out = append(out, name)
	}
	return out
}
