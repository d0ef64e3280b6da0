package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/finchsec/policysync/internal/server"
	"github.com/finchsec/policysync/internal/taskqueue"
	"github.com/finchsec/policysync/modules/securitypolicies/infrastructure/persistence"
	"github.com/finchsec/policysync/modules/securitypolicies/services"
	"github.com/finchsec/policysync/pkg/authz"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), server.DBDSNFromEnv())
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	mode, err := authz.ModeFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	authorizer, err := authz.NewAuthorizer(os.Getenv("AUTHZ_MODEL_PATH"), os.Getenv("AUTHZ_POLICY_PATH"), mode)
	if err != nil {
		log.Fatal(err)
	}

	configs := persistence.NewConfigurationPGStore(pool)
	rules := persistence.NewApprovalRulePGStore(pool)
	projects := persistence.NewProjectPGStore(pool)
	schedules := persistence.NewSchedulePGStore(pool)
	bots := persistence.NewBotPGStore(pool)
	source := persistence.NewPolicySourcePGStore(pool)

	sync := services.NewSyncService(configs, rules, projects, source, authorizer)
	queue := taskqueue.New(getenvIntDefault("QUEUE_SIZE", 256), getenvIntDefault("QUEUE_WORKERS", 4), func(ctx context.Context, t taskqueue.Task) {
		sync.Reconcile(ctx, t.ProjectID, t.ConfigurationID, nil)
	})
	defer queue.Close()

	scheduler := services.NewScheduleService(schedules, configs, projects, bots, sync)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	intervalSeconds := getenvIntDefault("SCHEDULE_POLL_SECONDS", 30)
	batch := getenvIntDefault("SCHEDULE_BATCH", 20)

	go runSchedulePoller(ctx, scheduler, intervalSeconds, batch)

	<-ctx.Done()
	log.Printf("worker shutting down")
}

// runSchedulePoller drains due schedules on a fixed interval. Multiple worker
// processes can run this loop concurrently: claiming skips locked rows.
func runSchedulePoller(ctx context.Context, scheduler *services.ScheduleService, intervalSeconds int, batch int) {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n := scheduler.RunDue(ctx, batch)
				if n < batch {
					break
				}
			}
		}
	}
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
