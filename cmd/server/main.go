package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/finchsec/policysync/internal/server"
	"github.com/finchsec/policysync/internal/taskqueue"
	"github.com/finchsec/policysync/modules/securitypolicies/infrastructure/persistence"
	"github.com/finchsec/policysync/modules/securitypolicies/services"
	"github.com/finchsec/policysync/pkg/authz"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

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
	source := persistence.NewPolicySourcePGStore(pool)
	comments := persistence.NewCommentPGStore(pool)

	sync := services.NewSyncService(configs, rules, projects, source, authorizer)
	queue := taskqueue.New(0, 0, func(ctx context.Context, t taskqueue.Task) {
		sync.Reconcile(ctx, t.ProjectID, t.ConfigurationID, nil)
	})
	defer queue.Close()

	refresh := services.NewEventRefresh(configs, queue, 0)
	defer refresh.Flush()

	handler := server.NewHandler(server.HandlerOptions{
		Trigger:   queue,
		Refresh:   refresh,
		Approvals: services.NewApprovalEvalService(rules),
		Notes:     services.NewViolationNoteService(comments, os.Getenv("BOT_USER_ID")),
		Resolver:  configs,
	})

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatal(err)
	}
}
