package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bitbucket.org/storefront/backend/api"
	"bitbucket.org/storefront/backend/helpers"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/server"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// @title storefront payments API
// @version 0.1
// @description Api for order payments over M-Pesa and cards.

// @BasePath /
// @schemes http https

// @securityDefinitions.apiKey ApiKeyAuth
// @in header
// @name Authorization

func main() {
	_ = godotenv.Load("dev.env")

	app := cli.NewApp()
	app.Name = "Storefront Payments Service"
	app.Version = "1.00"
	app.Compiled = time.Now()
	app.Commands = []cli.Command{
		{
			Name:  "backend-up",
			Usage: "This command starts the backend service",
			Action: func(c *cli.Context) error {
				StartServer(api.GetRoutes())
				return nil
			},
		},
		{
			Name:  "migrate",
			Usage: "Creates the payments schema on the configured database",
			Action: func(c *cli.Context) error {
				ctx := server.GetAppContext()
				ctx.CreateSQLConnection()
				defer ctx.Close()
				return ctx.Migrate()
			},
		},
		{
			Name:  "reconcile-pending",
			Usage: "Queries the gateways for payments stuck in pending or processing",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "older-than", Value: 5 * time.Minute, Usage: "only payments not updated for this long"},
				cli.IntFlag{Name: "limit", Value: 100, Usage: "maximum payments to check"},
			},
			Action: func(c *cli.Context) error {
				ctx := startPayments(false)
				defer ctx.Close()

				olderThan := c.Duration("older-than")
				if !c.IsSet("older-than") && ctx.Context.Config.Payments.StaleAfter > 0 {
					olderThan = ctx.Context.Config.Payments.StaleAfter
				}

				summary, err := ctx.Context.Orchestrator.ReconcileStale(context.Background(), olderThan, c.Int("limit"))
				if err != nil {
					return err
				}
				log.WithFields(log.Fields{
					"checked": summary.Checked,
					"updated": summary.Updated,
					"failed":  summary.Failed,
				}).Info("reconciliation finished")
				return nil
			},
		},
		{
			Name:  "replay-webhooks",
			Usage: "Re-applies journaled webhook deliveries that were never applied. Run with the server stopped",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "limit", Value: 100, Usage: "maximum deliveries to replay"},
			},
			Action: func(c *cli.Context) error {
				ctx := startPayments(true)
				defer ctx.Close()

				summary, err := ctx.Context.Orchestrator.Replay(context.Background(), ctx.Context.Journal, c.Int("limit"))
				if err != nil {
					return err
				}
				logger := log.WithFields(log.Fields{
					"replayed":      summary.Replayed,
					"accepted":      summary.Accepted,
					"rejected":      summary.Rejected,
					"dead_lettered": summary.DeadLettered,
				})

				retention := ctx.Context.Config.Journal.Retention
				if retention > 0 {
					removed, err := ctx.Context.Journal.Prune(time.Now().Add(-retention))
					if err != nil {
						return err
					}
					logger = logger.WithField("pruned", removed)
				}
				logger.Info("replay finished")
				return nil
			},
		},
		{
			Name:  "issue-token",
			Usage: "Prints a signed token for a user id, for operating the admin routes",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "user", Usage: "user id"},
				cli.BoolFlag{Name: "admin", Usage: "grant the admin role"},
				cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "token lifetime"},
			},
			Action: func(c *cli.Context) error {
				id, err := uuid.Parse(c.String("user"))
				if err != nil {
					return cli.NewExitError("a valid --user id is required", 1)
				}
				ctx := server.GetAppContext()
				token, err := helpers.GenerateToken(&models.User{ID: id, IsAdmin: c.Bool("admin")}, ctx.Context.Config.JWTSecret, c.Duration("ttl"))
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// startPayments wires everything the orchestrator needs outside of the HTTP
// server.
func startPayments(withJournal bool) *server.ContextWrapper {
	ctx := server.GetAppContext()
	ctx.CreateSQLConnection()
	if ctx.Context.Config.Payments.ReceiptsEnabled {
		ctx.CreateSMTPConnection()
		ctx.CreateNewSessionS3()
	}
	ctx.CreatePaymentGateways()
	if withJournal {
		ctx.OpenJournal()
	}
	ctx.CreateOrchestrator()
	return ctx
}

func StartServer(routes []*server.Route) {
	ctx := startPayments(true)
	server.UpServer(routes, ctx)
}
