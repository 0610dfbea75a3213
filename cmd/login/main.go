// This command signs in to the backend from a terminal and stores the token
// pair where the agent will find it, so that a local agent starts with a
// session. It prints a summary of the signed-in account.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sethvargo/go-envconfig"
	"github.com/skillnet/skillnet-agent/internal/auth"
	"github.com/skillnet/skillnet-agent/internal/backend"
	"github.com/skillnet/skillnet-agent/internal/cache"
	"github.com/skillnet/skillnet-agent/internal/config"
	"github.com/skillnet/skillnet-agent/internal/credential"
	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"github.com/skillnet/skillnet-agent/internal/model"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Email    string `env:"LOGIN_EMAIL, required"`
	Password string `env:"LOGIN_PASSWORD, required"`
}

// Settings the command applies unless the environment says otherwise.
var commandDefaults = map[string]string{
	"BACKEND_TIMEOUT_SECS": "10",
	"OBSERVE_ENABLED":      "false",
}

type summary struct {
	Username           string     `yaml:"username"`
	Name               string     `yaml:"name"`
	Email              string     `yaml:"email"`
	CredentialStore    string     `yaml:"credential_store"`
	AccessTokenExpires *time.Time `yaml:"access_token_expires,omitempty"`
	Subscriptions      []string   `yaml:"subscriptions,omitempty"`
	Skills             []string   `yaml:"skills,omitempty"`
}

func main() {
	ctx := context.Background()

	login := Config{}
	err := envconfig.Process(ctx, &login)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWith(ctx, envconfig.MultiLookuper(
		envconfig.OsLookuper(),
		envconfig.MapLookuper(commandDefaults),
	))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading agent config: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, login, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, login Config, out io.Writer) error {
	store, err := credential.NewFromConfig(ctx, cfg.Credential)
	if err != nil {
		return err
	}
	defer store.Close()

	api, err := httpapi.New(cfg.Backend.URL, &http.Client{
		Timeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	gateway, err := auth.New(api, store, nil)
	if err != nil {
		return err
	}

	pair, err := gateway.Login(ctx, model.Credentials{Email: login.Email, Password: login.Password})
	if err != nil {
		return err
	}
	if err := gateway.SaveTokens(ctx, pair); err != nil {
		return err
	}

	// the command makes a handful of calls; nothing is worth caching
	content, err := cache.NewMemory[string](time.Minute, 1)
	if err != nil {
		return err
	}
	profiles, err := cache.NewMemory[model.User](time.Minute, 1)
	if err != nil {
		return err
	}

	user, err := backend.New(api, gateway, content, profiles).CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("signed in, but the profile could not be read: %w", err)
	}

	s := summary{
		Username:           user.Username,
		Name:               user.Firstname + " " + user.Lastname,
		Email:              user.Email,
		CredentialStore:    cfg.Credential.Type,
		AccessTokenExpires: expiry(gateway.AccessToken(ctx)),
	}
	for _, sub := range user.Subscriptions {
		s.Subscriptions = append(s.Subscriptions, sub.Favorite.Username)
	}
	for _, skill := range user.Skills {
		s.Skills = append(s.Skills, skill.Name)
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// expiry reads the expiry claim of a JWT access token without verifying it.
// Tokens are opaque to the agent; a token that is not a JWT has no expiry.
func expiry(token string) *time.Time {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}

	exp := claims.ExpiresAt.UTC()
	return &exp
}
