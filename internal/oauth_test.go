package internal

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFromFragment(t *testing.T) {
	token, err := TokenFromFragment("#access_token=abc&user_info_url=https%3A%2F%2Fexample.com%2Fme&expires_in=3600&state=s1")
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, "https://example.com/me", token.UserInfoURL)
	assert.Equal(t, "s1", token.State)

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Hour), token.Expires(now))
	assert.True(t, OAuthToken{}.Expires(now).IsZero())

	_, err = TokenFromFragment("error=access_denied&error_description=User+denied")
	assert.EqualError(t, err, "access_denied: User denied")

	_, err = TokenFromFragment("state=s1")
	assert.EqualError(t, err, "no access token in response")
}

func TestAuthorizeURL(t *testing.T) {
	u, err := url.Parse(AuthorizeURL("https://carto.com/oauth2/authorize", "client", "http://localhost:8080/auth", "s1"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "token", q.Get("response_type"))
	assert.Equal(t, "s1", q.Get("state"))
	assert.Equal(t, "user:profile datasets:rw:carto_kepler_gl_maps", q.Get("scope"))
	assert.Equal(t, "http://localhost:8080/auth", q.Get("redirect_uri"))
}

func postToken(t *testing.T, s *callbackServer, origin string, body string) int {
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestCallbackServerPage(t *testing.T) {
	s := newCallbackServer("/auth", "s1", []string{"http://localhost:8080"}, zerolog.Nop())
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/auth", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `window.location.pathname + "/token"`)
}

func TestCallbackServerRejectsOrigin(t *testing.T) {
	s := newCallbackServer("/auth", "s1", []string{"http://localhost:8080/"}, zerolog.Nop())

	assert.Equal(t, http.StatusForbidden, postToken(t, s, "http://evil.example.com", `{"access_token":"abc","state":"s1"}`))
	assert.Equal(t, http.StatusForbidden, postToken(t, s, "", `{"access_token":"abc","state":"s1"}`))
	assert.Len(t, s.result, 0)
}

func TestCallbackServerRejectsState(t *testing.T) {
	s := newCallbackServer("/auth", "s1", []string{"http://localhost:8080"}, zerolog.Nop())

	assert.Equal(t, http.StatusBadRequest, postToken(t, s, "http://localhost:8080", `{"access_token":"abc","state":"other"}`))
	assert.Equal(t, http.StatusBadRequest, postToken(t, s, "http://localhost:8080", `not json`))
	assert.Len(t, s.result, 0)
}

func TestCallbackServerAcceptsToken(t *testing.T) {
	s := newCallbackServer("/auth", "s1", []string{"http://localhost:8080"}, zerolog.Nop())

	assert.Equal(t, http.StatusOK, postToken(t, s, "http://localhost:8080", `{"access_token":"abc","state":"s1","expires_in":"60"}`))
	// a second delivery does not block or replace the first
	assert.Equal(t, http.StatusOK, postToken(t, s, "http://localhost:8080", `{"access_token":"def","state":"s1"}`))

	token := <-s.result
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, "60", token.ExpiresIn)
}

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestCartoLoginOAuth(t *testing.T) {
	userInfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"username":"alice"}`)
	}))
	defer userInfo.Close()

	addr := freeAddr(t)
	cfg := LoadDefaultConfig()
	cfg.Providers.Carto = &CartoConfig{
		ClientID:    "client",
		RedirectURL: "http://" + addr + "/auth",
	}
	provider, err := NewCartoProvider(cfg, NewMemoryCredentialStore(), zerolog.Nop())
	require.NoError(t, err)
	p := provider.(*CartoProvider)

	p.Open = func(authorize string) error {
		u, err := url.Parse(authorize)
		if err != nil {
			return err
		}
		state := u.Query().Get("state")
		body := fmt.Sprintf(`{"access_token":"abc","state":%q,"expires_in":"3600","user_info_url":%q}`, state, userInfo.URL+"/me")

		// the browser posts the fragment back to the redirect page
		go func() {
			req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/auth/token", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Origin", "http://"+addr)
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Login(ctx))
	assert.Equal(t, "abc", p.AccessToken())
	assert.Equal(t, "alice", p.UserName())
	assert.NotEmpty(t, p.credential(expiresField))
	assert.Equal(t, userInfo.URL+"/me", p.credential(userInfoURLField))
}

func TestOAuthLoginRequiresHTTPRedirect(t *testing.T) {
	_, err := oauthLogin(context.Background(), CartoConfig{RedirectURL: "https://localhost/auth"}, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "redirect_url must use http")
}
