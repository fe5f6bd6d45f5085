package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vigorhq/vigor/accounts"
	gateway "github.com/vigorhq/vigor/apigateway"
	"github.com/vigorhq/vigor/notify"
	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/syncer"
	"github.com/vigorhq/vigor/wearables"
)

func isTestRun() bool {
	return strings.HasSuffix(os.Args[0], ".test")
}

func firstExistingPath(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// GetMainEngine wires every route the service exposes.
func GetMainEngine() *fiber.App {
	route := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	route.Use(gateway.RequestID())
	route.Use(gateway.RequestLogger(logrusLogger, logSampling))
	route.Use(gateway.Instrumentation())
	route.Use(gateway.Cors(vigorConfig.Cors))

	route.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	route.Get("/metrics", gateway.RequireAdmin(gateway.AdminAuthConfig{
		Key:   vigorConfig.AdminKey,
		Debug: vigorConfig.IsDebug,
	}), adaptor.HTTPHandler(promhttp.Handler()))

	// Provider-facing routes carry no session: webhooks authenticate by
	// signature, the OAuth callback by its state token.
	route.Get("/webhooks/:provider", engine.VerifyWebhook)
	route.Post("/webhooks/:provider", engine.ReceiveWebhook)
	route.Get("/oauth/:provider/callback", engine.OAuthCallback)

	route.Post("/auth/register", accountsService.Register)
	route.Post("/auth/login", accountsService.Login)

	route.Use(auth.AuthMiddleware())
	route.Get("/auth/me", accountsService.Me)
	route.Post("/user/device", accountsService.RegisterDevice)
	route.Get("/connect/:provider", engine.Connect)
	route.Delete("/connect/:provider", engine.DisconnectHandler)
	route.Get("/connections", engine.Connections)
	route.Post("/sync/:provider", engine.Sync)

	return route
}

func init() {
	var err error

	logrusLogger.Level = logrus.DebugLevel
	logrusLogger.SetReportCaller(true)
	logrusLogger.Out = os.Stderr

	configPath := os.Getenv("VIGOR_CONFIG")
	if configPath == "" {
		configPath = firstExistingPath("./config.yaml", "../config.yaml")
	}
	vigorConfig, err = wearables.LoadConfig(configPath)
	if err != nil {
		logrusLogger.Fatalf("error loading config: %v", err)
	}
	configureLogger(vigorConfig)

	dbpath := vigorConfig.DatabasePath
	if isTestRun() {
		if tmp, err := os.CreateTemp("", "vigor-test-*.db"); err == nil {
			dbpath = tmp.Name()
			_ = tmp.Close()
		}
	}
	logrusLogger.Printf("The final database file is: %#v", dbpath)

	database, err = store.OpenFromConfig(vigorConfig.DatabaseURL, dbpath, vigorConfig.DatabaseDriver)
	if err != nil {
		logrusLogger.Fatalf("error in connecting to db: %v", err)
	}
	dataStore = store.New(database, store.WithDataKey(vigorConfig.DataKey))
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelMigrate()
	if err := store.Migrate(migrateCtx, database); err != nil {
		logrusLogger.Fatalf("error in migrations: %v", err)
	}

	// The accounts shell lives on its own gorm handle; both layers can
	// share one sqlite file.
	usersDB, err := gorm.Open(sqlite.Open(dbpath), &gorm.Config{})
	if err != nil {
		logrusLogger.Fatalf("error in connecting to users db: %v", err)
	}
	if err := accounts.Migrate(usersDB); err != nil {
		logrusLogger.Fatalf("error migrating users: %v", err)
	}

	var redisClient *redis.Client
	if vigorConfig.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: vigorConfig.RedisAddress})
	}

	auth = gateway.JWTAuth{JWTKey: vigorConfig.JWTKey}
	auth.Init()

	engine = syncer.New(dataStore, vigorConfig, logrusLogger, redisClient)
	accountsService = accounts.Service{DB: usersDB, Auth: &auth, Logger: logrusLogger}

	firebaseApp, err := notify.NewFirebaseApp(context.Background(), vigorConfig.FirebaseCreds)
	if err != nil {
		logrusLogger.Printf("firebase unavailable: %v", err)
	}
	drainer = &notify.Drainer{
		Store:    dataStore,
		Tokens:   &accountsService,
		Firebase: firebaseApp,
		Logger:   logrusLogger,
	}
}
