package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dbsync-service/internal/config"
	"dbsync-service/internal/database"
	"dbsync-service/internal/syncer"
	"dbsync-service/internal/transport/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

var startTime time.Time

func main() {
	startTime = time.Now()
	cfg := config.Load()
	log.Printf("🔧 Service expected token: %s******", cfg.ServiceExpectedToken[:6])

	local, err := database.Open(cfg.Local)
	if err != nil {
		log.Fatalf("❌ [DB local] %v", err)
	}
	remote, err := database.Open(cfg.Remote)
	if err != nil {
		log.Fatalf("❌ [DB remote] %v", err)
	}

	orch := syncer.New(syncer.Options{
		Local:   local,
		Remote:  remote,
		Tables:  cfg.Tables,
		Workers: cfg.SyncWorkers,
	})
	log.Printf("✅ [SYNC] Orchestrator initialized (%d tables, %d workers)", len(cfg.Tables), cfg.SyncWorkers)

	if cfg.AutoSync {
		interval := time.Duration(cfg.SyncIntervalSeconds) * time.Second
		if err := orch.StartAutoSync(interval); err != nil {
			log.Fatalf("❌ [SYNC] Failed to start auto-sync: %v", err)
		}
	} else {
		log.Println("⚠️ Auto-sync disabled (SYNC_AUTO not set), runs are HTTP-triggered only")
	}

	handler := http.NewHandler(orch)

	app := fiber.New(fiber.Config{
		AppName:      "dbsync-service",
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${ua}\n",
	}))

	// Service-to-service routes
	serviceRoutes := app.Group("/svc/v1", serviceAuth(cfg))
	serviceRoutes.Post("/sync", handler.TriggerSync)
	serviceRoutes.Get("/sync/stats", handler.GetStats)
	serviceRoutes.Get("/sync/log", handler.GetLog)
	serviceRoutes.Get("/sync/tables", handler.GetTables)
	serviceRoutes.Get("/sync/tables/verify", handler.VerifyTables)
	serviceRoutes.Post("/sync/auto/start", handler.StartAutoSync)
	serviceRoutes.Post("/sync/auto/stop", handler.StopAutoSync)
	serviceRoutes.Get("/conflicts", handler.GetConflicts)
	serviceRoutes.Post("/conflicts/:id/resolve", handler.ResolveConflict)
	log.Println("✅ [ROUTES] Registered service routes: /svc/v1/sync*, /svc/v1/conflicts*")

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		uptime := time.Since(startTime).Round(time.Second)
		localConns, localIdle := local.Pool().Stats()
		remoteConns, remoteIdle := remote.Pool().Stats()
		return c.JSON(fiber.Map{
			"status":     "ok",
			"service":    "dbsync-service",
			"uptime":     uptime.String(),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"sync_state": orch.State(),
			"local":      fiber.Map{"connections": localConns, "idle": localIdle},
			"remote":     fiber.Map{"connections": remoteConns, "idle": remoteIdle},
		})
	})
	log.Println("✅ [ROUTES] Registered /health")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("🛑 [SHUTDOWN] Graceful shutdown initiated...")
		orch.Close()
		if err := app.Shutdown(); err != nil {
			log.Printf("❌ [SHUTDOWN] Error: %v", err)
		}
	}()

	log.Printf("🚀 dbsync-service starting...")
	log.Printf("   🔗 Listening on port: %s", cfg.ServerPort)
	log.Printf("   🗄  Local endpoint: %s (%s)", cfg.Local.Host, cfg.Local.Driver)
	log.Printf("   🗄  Remote endpoint: %s (%s)", cfg.Remote.Host, cfg.Remote.Driver)
	log.Printf("   🔄 Enrolled tables: %d", len(cfg.Tables))
	log.Printf("   🛡️  Service token prefix: %s******", cfg.ServiceExpectedToken[:6])
	log.Println("✅ Server ready.")

	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Fatalf("❌ [STARTUP] Server failed to start: %v", err)
	}

	orch.Close()
	if err := local.Close(); err != nil {
		log.Printf("⚠️ [SHUTDOWN] Closing local endpoint: %v", err)
	}
	if err := remote.Close(); err != nil {
		log.Printf("⚠️ [SHUTDOWN] Closing remote endpoint: %v", err)
	}
	log.Println("✅ [SHUTDOWN] Done.")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var errMsg string
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		errMsg = e.Message
	} else {
		errMsg = err.Error()
	}
	log.Printf("🔥 [ERROR] [%d] %s %s → %v | IP=%s | UA=%s",
		code,
		c.Method(),
		c.Path(),
		errMsg,
		c.IP(),
		c.Get("User-Agent"),
	)
	return c.Status(code).JSON(fiber.Map{
		"error":      "something went wrong",
		"request_id": c.Get("X-Request-ID"),
	})
}

func serviceAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get("X-Service-Token")
		if token == "" {
			authHeader := c.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}
		maskedToken := "<empty>"
		if token != "" {
			if len(token) > 6 {
				maskedToken = token[:6] + "..."
			} else {
				maskedToken = token
			}
		}
		if token != cfg.ServiceExpectedToken {
			log.Printf("[SERVICE-AUTH] ❌ REJECTED | IP=%s | Path=%s | Token=%s",
				c.IP(), c.Path(), maskedToken)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized: invalid or missing service token",
			})
		}
		return c.Next()
	}
}
