package internal

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/go-faster/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const loginTimeout = 5 * time.Minute

var defaultScopes = []string{"user:profile", "datasets:rw:carto_kepler_gl_maps"}

// OAuthToken is what the authorization server puts in the redirect fragment.
type OAuthToken struct {
	AccessToken      string `json:"access_token"`
	UserInfoURL      string `json:"user_info_url"`
	ExpiresIn        string `json:"expires_in"`
	State            string `json:"state"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Expires returns the zero time when the token has no lifetime.
func (t OAuthToken) Expires(now time.Time) time.Time {
	secs, err := strconv.ParseInt(t.ExpiresIn, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(secs) * time.Second)
}

func (t OAuthToken) err() error {
	if t.Error != "" {
		if t.ErrorDescription != "" {
			return fmt.Errorf("%s: %s", t.Error, t.ErrorDescription)
		}
		return errors.New(t.Error)
	}
	if t.AccessToken == "" {
		return errors.New("no access token in response")
	}
	return nil
}

// TokenFromFragment parses the fragment of the redirect URL.
func TokenFromFragment(fragment string) (OAuthToken, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return OAuthToken{}, err
	}
	t := OAuthToken{
		AccessToken:      values.Get("access_token"),
		UserInfoURL:      values.Get("user_info_url"),
		ExpiresIn:        values.Get("expires_in"),
		State:            values.Get("state"),
		Error:            values.Get("error"),
		ErrorDescription: values.Get("error_description"),
	}
	return t, t.err()
}

func AuthorizeURL(authorizeURL string, clientID string, redirectURL string, state string) string {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("response_type", "token")
	params.Set("state", state)
	params.Set("scope", strings.Join(defaultScopes, " "))
	params.Set("redirect_uri", redirectURL)
	return authorizeURL + "?" + params.Encode()
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>mapcloud login</title></head>
<body>
<p id="message">Completing login...</p>
<script>
var params = new URLSearchParams(window.location.hash.substr(1));
var body = {};
params.forEach(function (value, key) { body[key] = value; });
fetch(window.location.pathname + "/token", {
  method: "POST",
  headers: {"Content-Type": "application/json"},
  body: JSON.stringify(body)
}).then(function (res) {
  document.getElementById("message").textContent = res.ok ? "You can close this window." : "Login failed.";
});
</script>
</body>
</html>
`

// callbackServer receives the implicit grant redirect. Tokens are accepted
// only from allowed origins and with the state of this login attempt.
type callbackServer struct {
	app     *fiber.App
	state   string
	origins mapset.Set
	result  chan OAuthToken
	once    sync.Once
	logger  zerolog.Logger
}

func newCallbackServer(path string, state string, origins []string, logger zerolog.Logger) *callbackServer {
	s := &callbackServer{
		app:     fiber.New(fiber.Config{DisableStartupMessage: true}),
		state:   state,
		origins: mapset.NewSet(),
		result:  make(chan OAuthToken, 1),
		logger:  logger,
	}
	for _, o := range origins {
		s.origins.Add(strings.TrimSuffix(o, "/"))
	}

	s.app.Get(path, func(c *fiber.Ctx) error {
		c.Type("html")
		return c.SendString(callbackPage)
	})
	s.app.Post(strings.TrimSuffix(path, "/")+"/token", s.receiveToken)
	return s
}

func (s *callbackServer) receiveToken(c *fiber.Ctx) error {
	origin := c.Get(fiber.HeaderOrigin)
	if !s.origins.Contains(origin) {
		s.logger.Warn().Str("origin", origin).Msg("Rejected token from unknown origin")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "origin not allowed"})
	}

	var token OAuthToken
	if err := c.BodyParser(&token); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if token.State != s.state {
		s.logger.Warn().Msg("Rejected token with unexpected state")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "state mismatch"})
	}

	s.once.Do(func() {
		s.result <- token
	})
	if err := token.err(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// oauthLogin runs the implicit flow: it serves the redirect page, hands the
// authorize URL to open and waits for the token.
func oauthLogin(ctx context.Context, cfg CartoConfig, open func(string) error, logger zerolog.Logger) (OAuthToken, error) {
	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil || redirect.Host == "" {
		return OAuthToken{}, fmt.Errorf("invalid redirect_url %q", cfg.RedirectURL)
	}
	if redirect.Scheme != "http" {
		return OAuthToken{}, fmt.Errorf("redirect_url must use http, got %q", redirect.Scheme)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{redirect.Scheme + "://" + redirect.Host}
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return OAuthToken{}, errors.Wrap(err, "start login callback")
	}

	state := uuid.NewString()
	srv := newCallbackServer(redirect.Path, state, origins, logger)
	go func() {
		if err := srv.app.Listener(ln); err != nil {
			logger.Debug().Err(err).Msg("Login callback stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Cannot stop login callback")
		}
	}()

	if err := open(AuthorizeURL(cfg.AuthorizeURL, cfg.ClientID, cfg.RedirectURL, state)); err != nil {
		return OAuthToken{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	select {
	case token := <-srv.result:
		return token, token.err()
	case <-ctx.Done():
		return OAuthToken{}, errors.Wrap(ctx.Err(), "waiting for login")
	}
}
