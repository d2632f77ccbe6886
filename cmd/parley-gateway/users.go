// ABOUTME: User provisioning subcommands: add a user and mint bearer tokens
// ABOUTME: Talks to the configured store directly; the server need not be running

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/gateway"
	"github.com/2389/parley-gateway/internal/store"
)

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage users",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a user and print a token for it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "image", Usage: "avatar URL"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, _, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					user, token, err := addUser(ctx, cfg, cmd.String("email"), cmd.String("name"), cmd.String("image"))
					if err != nil {
						return err
					}
					color.New(color.FgGreen).Print("✓ ")
					fmt.Printf("Created %s (%s)\n", user.Email, user.ID)
					fmt.Println(token)
					return nil
				},
			},
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Print a bearer token for an existing user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.DurationFlag{Name: "ttl", Usage: "token lifetime (defaults to auth.token_ttl)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			token, err := userToken(ctx, cfg, cmd.String("email"), cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func addUser(ctx context.Context, cfg *config.Config, email, name, image string) (*store.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", fmt.Errorf("invalid email %q", email)
	}

	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	defer s.Close()

	user := &store.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		Image:     strings.TrimSpace(image),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, "", fmt.Errorf("a user with email %s already exists", email)
		}
		return nil, "", fmt.Errorf("creating user: %w", err)
	}

	token, err := mintToken(cfg, user.ID, 0)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func userToken(ctx context.Context, cfg *config.Config, email string, ttl time.Duration) (string, error) {
	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer s.Close()

	user, err := s.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("no user with email %s", email)
		}
		return "", fmt.Errorf("looking up user: %w", err)
	}
	return mintToken(cfg, user.ID, ttl)
}

func mintToken(cfg *config.Config, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating token signer: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
