package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"knowledge-engine/internal/auth"
	"knowledge-engine/internal/config"
	"knowledge-engine/internal/database"
	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/queue"
	"knowledge-engine/models"
	"knowledge-engine/services"
)

func usage() {
	fmt.Println("Usage: migrate <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  ensure-indexes                       - Create shared and per-tenant indexes")
	fmt.Println("  reset-asset <tenant> <asset>         - Reset an asset to pending and requeue it")
	fmt.Println("  process-pending <tenant> <type>      - Queue every pending or failed asset of a type")
	fmt.Println("  reconcile <tenant> [apply]           - Report (or fix) orphaned slides")
	fmt.Println("  sweep-stuck                          - Fail jobs and jobless assets stuck in processing")
	fmt.Println("  job-status <job>                     - Print a job's status")
	fmt.Println("  export-assets <tenant> <file.xlsx>   - Write the asset inventory to a spreadsheet")
	fmt.Println("  issue-token <tenant> [ttl-hours]     - Issue an API token for a tenant")
	fmt.Println("  revoke-token <token>                 - Block a token until it expires")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.InitLogger(cfg)

	if command == "issue-token" {
		if err := issueToken(cfg, args); err != nil {
			log.Fatalf("issue-token failed: %v", err)
		}
		return
	}
	if command == "revoke-token" {
		if err := revokeToken(cfg, args); err != nil {
			log.Fatalf("revoke-token failed: %v", err)
		}
		return
	}

	// Connect to MongoDB; this also creates the shared indexes
	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	dbManager := database.NewTenantDBManager(client, cfg.DBName)
	repo := database.NewRepository(dbManager)

	redisOpt, err := config.AsynqRedisOpt(cfg)
	if err != nil {
		log.Fatalf("Invalid Redis config: %v", err)
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	scheduler := queue.NewScheduler(repo, queueClient)
	maintenance := services.NewMaintenance(repo, scheduler, cfg.StuckAfter)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch command {
	case "ensure-indexes":
		err = ensureIndexes(ctx, dbManager)

	case "reset-asset":
		requireArgs(args, 2)
		var jobID string
		jobID, err = maintenance.Reset(ctx, args[0], args[1], models.JobOptions{ForceReindex: true})
		if err == nil {
			fmt.Printf("Asset %s reset, job %s\n", args[1], jobID)
		}

	case "process-pending":
		requireArgs(args, 2)
		var report *services.EnqueueReport
		report, err = maintenance.EnqueuePending(ctx, args[0], models.AssetType(args[1]), models.JobOptions{})
		if err == nil {
			printJSON(report)
		}

	case "reconcile":
		requireArgs(args, 1)
		apply := len(args) > 1 && args[1] == "apply"
		var report *services.ReconcileReport
		report, err = maintenance.ReconcileOrphans(ctx, args[0], apply)
		if err == nil {
			printJSON(report)
		}

	case "sweep-stuck":
		err = sweepStuck(ctx, maintenance, dbManager)

	case "job-status":
		requireArgs(args, 1)
		var status *models.JobStatus
		status, err = scheduler.GetStatus(ctx, "", args[0])
		if err == nil {
			printJSON(status)
		}

	case "export-assets":
		requireArgs(args, 2)
		err = exportAssets(ctx, repo, args[0], args[1])

	default:
		fmt.Printf("Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func requireArgs(args []string, n int) {
	if len(args) < n {
		usage()
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// ensureIndexes opens every registered tenant database, which creates its
// indexes if they are missing
func ensureIndexes(ctx context.Context, dbManager *database.TenantDBManager) error {
	tenants, err := dbManager.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if _, err := dbManager.GetTenantDB(tenantID); err != nil {
			return fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		fmt.Printf("Indexes ensured for tenant %s\n", tenantID)
	}
	fmt.Printf("%d tenants checked\n", len(tenants))
	return nil
}

func sweepStuck(ctx context.Context, m *services.Maintenance, dbManager *database.TenantDBManager) error {
	swept, err := m.SweepStuck(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d stuck jobs failed\n", swept)

	tenants, err := dbManager.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		n, err := m.SweepStuckAssets(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		if n > 0 {
			fmt.Printf("%d stuck assets failed for tenant %s\n", n, tenantID)
		}
	}
	return nil
}

func exportAssets(ctx context.Context, repo *database.Repository, tenantID, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := services.ExportInventory(ctx, repo, tenantID, f)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d assets to %s\n", n, path)
	return nil
}

func issueToken(cfg *config.Config, args []string) error {
	requireArgs(args, 1)
	ttl := 24 * time.Hour
	if len(args) > 1 {
		hours, err := strconv.Atoi(args[1])
		if err != nil || hours <= 0 {
			return fmt.Errorf("ttl must be a positive number of hours")
		}
		ttl = time.Duration(hours) * time.Hour
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, nil)
	if err != nil {
		return err
	}
	token, claims, err := tokens.Issue(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "tenant %s, expires %s\n", claims.TenantID, claims.ExpiresAt.Time.Format(time.RFC3339))
	return nil
}

func revokeToken(cfg *config.Config, args []string) error {
	requireArgs(args, 1)

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	tokens, err := auth.NewTokens(cfg.JWTSecret, rdb)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claims, err := tokens.Validate(ctx, args[0])
	if err != nil {
		return err
	}
	if err := tokens.Revoke(ctx, claims); err != nil {
		return err
	}
	fmt.Printf("Token %s for tenant %s revoked\n", claims.ID, claims.TenantID)
	return nil
}
