package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/config"
	"moldflow/backend/internal/logging"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

var companies = []models.Company{
	{Name: "Headquarters Tooling", Domain: "hq.example", Kind: models.CompanyHQ},
	{Name: "Daehan Tooling", Domain: "maker.example", Kind: models.CompanyMaker},
	{Name: "Line 1 Plant", Domain: "plant.example", Kind: models.CompanyPlant},
}

var (
	developer = models.Actor{ID: "dev@hq.example", Role: models.RoleDeveloper}
	plant     = models.Actor{ID: "line1@plant.example", Role: models.RolePlant}
)

func main() {
	var envFile string
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load demo companies and workflow records",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Path to .env file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile string) error {
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// 1. Ensure companies exist
	for i := range companies {
		c := companies[i]
		existing, err := store.GetCompanyByDomain(ctx, c.Domain)
		if err == nil {
			logger.Info("Found existing company", "domain", c.Domain, "id", existing.ID)
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to look up company %s: %w", c.Domain, err)
		}
		if err := store.CreateCompany(ctx, &c); err != nil {
			return fmt.Errorf("failed to create company %s: %w", c.Domain, err)
		}
		logger.Info("Created company", "domain", c.Domain, "kind", c.Kind, "id", c.ID)
	}

	// 2. Skip demo records when the database already holds some
	existing, err := store.ListRecords(ctx, models.RecordQuery{Limit: 1})
	if err != nil {
		return fmt.Errorf("failed to list existing records: %w", err)
	}
	if len(existing) > 0 {
		logger.Info("Records already present, skipping demo data")
		return nil
	}

	// 3. Create demo records through the service so events and versions are real
	svc := services.NewWorkflowService(store, workflow.Default(), auth.DefaultGate())
	if err := seedRecords(ctx, svc, logger); err != nil {
		return err
	}
	logger.Info("Seeding complete!")
	return nil
}

func seedRecords(ctx context.Context, svc *services.WorkflowService, logger *logging.Logger) error {
	repair, err := svc.CreateRecord(ctx, plant, services.CreateInput{
		Type:   models.TypeRepair,
		MoldID: "M-1001",
		Fields: map[string]string{models.FieldProblemDescription: "Gate bushing cracked after 80k shots"},
	})
	if err != nil {
		return fmt.Errorf("failed to create repair: %w", err)
	}
	if _, err := svc.RequestTransition(ctx, developer, services.TransitionRequest{
		RecordID: repair.ID,
		Action:   workflow.ActionAcknowledge,
	}); err != nil {
		return fmt.Errorf("failed to acknowledge repair: %w", err)
	}
	logger.Info("Seeded repair", "id", repair.ID, "mold_id", repair.MoldID)

	checklist, err := svc.CreateRecord(ctx, developer, services.CreateInput{
		Type:   models.TypeChecklistMaster,
		MoldID: "M-1001",
		Items: []models.ChecklistItem{
			{Code: "CL-01", Title: "Ejector pin wear", Category: "ejection", CycleShots: 50000},
			{Code: "CL-02", Title: "Cooling line leak", Category: "cooling", CycleShots: 100000},
			{Code: "CL-03", Title: "Parting line flash", Category: "cavity", CycleShots: 20000},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create checklist: %w", err)
	}
	for _, action := range []models.Action{workflow.ActionSubmitForReview, workflow.ActionApprove, workflow.ActionDeploy} {
		if _, err := svc.RequestTransition(ctx, developer, services.TransitionRequest{
			RecordID: checklist.ID,
			Action:   action,
		}); err != nil {
			return fmt.Errorf("failed to %s checklist: %w", action, err)
		}
	}
	logger.Info("Seeded checklist master", "id", checklist.ID, "version", checklist.Version)

	transfer, err := svc.CreateRecord(ctx, plant, services.CreateInput{
		Type:   models.TypeTransfer,
		MoldID: "M-1002",
		Fields: map[string]string{models.FieldToCompany: "Line 2 Plant"},
	})
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	logger.Info("Seeded transfer draft", "id", transfer.ID)
	return nil
}

func open(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.DB.Driver == "sqlite" {
		store, err := repository.OpenSQLite(ctx, cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
