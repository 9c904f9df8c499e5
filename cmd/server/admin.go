package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/config"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			store.Close()
			logger.Info("Schema is up to date", "driver", cfg.DB.Driver)
			return nil
		},
	}
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the role policy",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective role policy as YAML",
			RunE:  runPolicyShow,
		},
		&cobra.Command{
			Use:   "check",
			Short: "Verify every workflow action is granted to some role",
			RunE:  runPolicyCheck,
		},
	)
	return cmd
}

func loadGate() (*auth.Gate, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return nil, err
	}
	return auth.LoadGate(cfg.Policy.File)
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	gate, err := loadGate()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(gate.Policy()); err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	return enc.Close()
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	gate, err := loadGate()
	if err != nil {
		return err
	}
	if err := gate.Validate(workflow.Default()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Policy OK")
	return nil
}

func newIssueTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a service token for a machine caller",
		RunE:  runIssueToken,
	}
	cmd.Flags().String("email", "", "Caller identity, e.g. mes@plant.example")
	cmd.Flags().String("role", "", "Role the caller acts as")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func runIssueToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return err
	}
	issuer := auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if issuer == nil {
		return errors.New("auth.token_secret is not configured")
	}

	email, _ := cmd.Flags().GetString("email")
	role, _ := cmd.Flags().GetString("role")
	token, err := issuer.Issue(email, models.Role(role), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
