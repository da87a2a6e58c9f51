package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/giantswarm/oauth-tokens/storage"
	"github.com/giantswarm/oauth-tokens/storage/memory"
	"github.com/giantswarm/oauth-tokens/storage/valkey"
)

const (
	storeMemory = "memory"
	storeValkey = "valkey"
)

// seedClient is a client registered at startup
type seedClient struct {
	ID           string   `mapstructure:"id"`
	Secret       string   `mapstructure:"secret"`
	Name         string   `mapstructure:"name"`
	Confidential bool     `mapstructure:"confidential"`
	GrantTypes   []string `mapstructure:"grant-types"`
}

// seedUser is a resource owner registered at startup
type seedUser struct {
	ID       string `mapstructure:"id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// seedData lists what is registered in the store at startup.
// Entries come from the clients, users and scopes keys of the config file
// plus the seed-* flags.
type seedData struct {
	Clients []seedClient
	Users   []seedUser
	Scopes  []string
}

// seeder is implemented by the memory and Valkey stores
type seeder interface {
	SaveClient(ctx context.Context, client *storage.Client, secret string) error
	SaveUser(ctx context.Context, userID, username, password string) error
	SaveScope(ctx context.Context, name string) error
}

// openStore opens the configured store and registers the seed data.
// The returned func releases the store.
func openStore(ctx context.Context, v *viper.Viper, logger *slog.Logger) (storage.Repository, func(), error) {
	seed, err := readSeedData(v)
	if err != nil {
		return nil, nil, err
	}

	var (
		repo     storage.Repository
		target   seeder
		closeRep func()
	)
	switch v.GetString("store") {
	case storeMemory, "":
		store := memory.New()
		store.SetLogger(logger)
		if n := v.GetInt("max-login-attempts"); n != 0 {
			store.SetMaxLoginAttempts(n)
		}
		repo, target, closeRep = store, store, store.Stop
	case storeValkey:
		store, err := valkey.New(valkey.Config{
			Address:          v.GetString("valkey-address"),
			Password:         v.GetString("valkey-password"),
			DB:               v.GetInt("valkey-db"),
			KeyPrefix:        v.GetString("valkey-prefix"),
			Logger:           logger,
			MaxLoginAttempts: v.GetInt("max-login-attempts"),
		})
		if err != nil {
			return nil, nil, err
		}
		repo, target, closeRep = store, store, store.Close
	default:
		return nil, nil, fmt.Errorf("unsupported store %q", v.GetString("store"))
	}

	if err := seedStore(ctx, target, seed); err != nil {
		closeRep()
		return nil, nil, err
	}
	if n := len(seed.Clients) + len(seed.Users) + len(seed.Scopes); n > 0 {
		logger.Info("Seeded store",
			"clients", len(seed.Clients),
			"users", len(seed.Users),
			"scopes", len(seed.Scopes))
	}
	return repo, closeRep, nil
}

func readSeedData(v *viper.Viper) (seedData, error) {
	var seed seedData
	if err := v.UnmarshalKey("clients", &seed.Clients); err != nil {
		return seed, fmt.Errorf("invalid clients: %w", err)
	}
	if err := v.UnmarshalKey("users", &seed.Users); err != nil {
		return seed, fmt.Errorf("invalid users: %w", err)
	}
	seed.Scopes = v.GetStringSlice("scopes")

	if id := v.GetString("seed-client-id"); id != "" {
		seed.Clients = append(seed.Clients, seedClient{
			ID:           id,
			Secret:       v.GetString("seed-client-secret"),
			Confidential: v.GetString("seed-client-secret") != "",
		})
	}
	if username := v.GetString("seed-username"); username != "" {
		seed.Users = append(seed.Users, seedUser{
			ID:       v.GetString("seed-user-id"),
			Username: username,
			Password: v.GetString("seed-password"),
		})
	}
	seed.Scopes = append(seed.Scopes, v.GetStringSlice("seed-scopes")...)
	return seed, nil
}

func seedStore(ctx context.Context, target seeder, seed seedData) error {
	for _, c := range seed.Clients {
		if c.ID == "" {
			return fmt.Errorf("seeded client without id")
		}
		client := &storage.Client{
			ClientID:     c.ID,
			ClientName:   c.Name,
			Confidential: c.Confidential,
			GrantTypes:   c.GrantTypes,
			CreatedAt:    time.Now(),
		}
		if err := target.SaveClient(ctx, client, c.Secret); err != nil {
			return fmt.Errorf("seed client %q: %w", c.ID, err)
		}
	}

	for _, u := range seed.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("seeded user needs a username and a password")
		}
		id := u.ID
		if id == "" {
			id = u.Username
		}
		if err := target.SaveUser(ctx, id, u.Username, u.Password); err != nil {
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}

	for _, name := range seed.Scopes {
		if err := target.SaveScope(ctx, name); err != nil {
			return fmt.Errorf("seed scope %q: %w", name, err)
		}
	}
	return nil
}
