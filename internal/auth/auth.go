package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"moldflow/backend/internal/config"
	"moldflow/backend/internal/repository"
	"moldflow/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
)

const (
	devEmail         = "dev@localhost"
	headerDevUser    = "X-Dev-User"
	headerActorRole  = "X-Actor-Role"
	defaultRoleClaim = "moldflow_role"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant, plus verification of HS256 service
// tokens for machine callers.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	tokens       *TokenIssuer
	repo         repository.CompanyStore
	logger       Logger
	roleClaim    string
	devMode      bool
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, repo repository.CompanyStore, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeEmail},
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry a different audience (e.g. "api://default").
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	roleClaim := cfg.Auth.RoleClaim
	if roleClaim == "" {
		roleClaim = defaultRoleClaim
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		tokens:       NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL),
		repo:         repo,
		logger:       logger,
		roleClaim:    roleClaim,
		devMode:      isDev,
		authBypass:   shouldBypass,
	}, nil
}

// Tokens returns the service token issuer, or nil when disabled.
func (a *Auth) Tokens() *TokenIssuer {
	return a.tokens
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// identity is what a credential says about its holder before the company
// lookup.
type identity struct {
	email string
	role  models.Role
}

// RequireAuth is middleware that resolves the caller into an Actor. Bearer
// tokens are tried as service tokens first, then as Okta access tokens; a
// browser session falls back to the id_token cookie.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, status, err := a.authenticate(r)
		if err != nil {
			if status == http.StatusSeeOther {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			http.Error(w, err.Error(), status)
			return
		}

		actor, status, err := a.resolve(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func (a *Auth) authenticate(r *http.Request) (identity, int, error) {
	if a.authBypass {
		id := identity{email: devEmail, role: models.RoleSystemAdmin}
		if u := strings.TrimSpace(r.Header.Get(headerDevUser)); u != "" {
			id.email = u
			id.role = ""
		}
		if role := models.Role(r.Header.Get(headerActorRole)); role != "" {
			id.role = role
		}
		return id, 0, nil
	}

	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		raw := strings.TrimPrefix(authHeader, "Bearer ")
		if a.tokens != nil {
			if claims, err := a.tokens.Parse(raw); err == nil {
				return identity{email: claims.Email, role: claims.Role}, 0, nil
			}
		}
		if a.apiVerifier == nil {
			return identity{}, http.StatusUnauthorized, errors.New("invalid token")
		}
		token, err := a.apiVerifier.Verify(r.Context(), raw)
		if err != nil {
			return identity{}, http.StatusUnauthorized, errors.New("invalid token: " + err.Error())
		}
		return a.claimsIdentity(token)
	}

	cookie, err := r.Cookie("id_token")
	if err != nil || a.verifier == nil {
		return identity{}, http.StatusSeeOther, errors.New("login required")
	}
	token, err := a.verifier.Verify(r.Context(), cookie.Value)
	if err != nil {
		return identity{}, http.StatusUnauthorized, errors.New("invalid token: " + err.Error())
	}
	return a.claimsIdentity(token)
}

func (a *Auth) claimsIdentity(token *oidc.IDToken) (identity, int, error) {
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return identity{}, http.StatusUnauthorized, errors.New("failed to parse token claims")
	}
	email, _ := claims["email"].(string)
	if email == "" {
		// Okta access tokens carry the login in "sub".
		email, _ = claims["sub"].(string)
	}
	role, _ := claims[a.roleClaim].(string)
	return identity{email: email, role: models.Role(role)}, 0, nil
}

// resolve maps an identity onto a company by e-mail domain. The role comes
// from the credential when it names a known role, else from the company kind.
func (a *Auth) resolve(ctx context.Context, id identity) (models.Actor, int, error) {
	parts := strings.Split(id.email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return models.Actor{}, http.StatusUnauthorized, errors.New("invalid email format in token")
	}
	domain := strings.ToLower(parts[1])

	company, err := a.repo.GetCompanyByDomain(ctx, domain)
	if errors.Is(err, repository.ErrNotFound) && a.authBypass {
		company = &models.Company{Name: domain, Domain: domain, Kind: models.CompanyHQ}
		if err = a.repo.CreateCompany(ctx, company); err != nil {
			a.logError("failed to provision company", "domain", domain, "error", err)
			return models.Actor{}, http.StatusInternalServerError, errors.New("failed to provision company")
		}
	} else if errors.Is(err, repository.ErrNotFound) {
		a.logWarn("rejected unknown organization", "domain", domain)
		return models.Actor{}, http.StatusForbidden, errors.New("unknown organization: " + domain)
	} else if err != nil {
		a.logError("company lookup failed", "domain", domain, "error", err)
		return models.Actor{}, http.StatusInternalServerError, errors.New("company lookup failed")
	}

	role := id.role
	if !ValidRole(role) {
		role = company.DefaultRole()
	}
	return models.Actor{ID: id.email, Role: role, CompanyID: company.ID}, 0, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:    "id_token",
		Value:   "",
		Path:    "/",
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *Auth) logWarn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}

func (a *Auth) logError(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Error(msg, args...)
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
