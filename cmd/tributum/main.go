package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/core-coin/tributum/internal/blockchain"
	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/http_api"
	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/notificator"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/internal/signature"
	"github.com/core-coin/tributum/internal/tributum"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

func main() {
	app := &cli.App{
		Name:  "tributum",
		Usage: "Tributum settles reader tips against on-chain spend permissions",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the tip settlement API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
					&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
					&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
					&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
					&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
					&cli.StringFlag{Name: "rpc-url", Aliases: []string{"r"}, Usage: "EVM JSON-RPC endpoint"},
					&cli.StringFlag{Name: "chain-id", Usage: "Expected chain id"},
					&cli.StringFlag{Name: "spend-permission-manager", Aliases: []string{"m"}, Usage: "SpendPermissionManager contract address"},
					&cli.StringFlag{Name: "token", Usage: "ERC-20 token address"},
					&cli.IntFlag{Name: "api-port", Usage: "HTTP API port"},
					&cli.DurationFlag{Name: "finality-timeout", Usage: "Maximum wait for a settlement to be mined"},
					&cli.BoolFlag{Name: "in-memory", Usage: "Use the in-memory repository instead of Postgres"},
					&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
					&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
				},
				Action: serve,
			},
			{
				Name:  "sign-permission",
				Usage: "Sign a spend permission with a local key (development only)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "Hex private key of the account", Required: true},
					&cli.StringFlag{Name: "spender", Usage: "Spender address, defaults to the configured service spender"},
					&cli.StringFlag{Name: "allowance", Value: "10000000", Usage: "Allowance per period in base units"},
					&cli.StringFlag{Name: "period", Value: "2592000", Usage: "Period length in seconds"},
					&cli.StringFlag{Name: "start", Usage: "Window start, unix seconds (default now)"},
					&cli.StringFlag{Name: "end", Value: "281474976710655", Usage: "Window end, unix seconds"},
					&cli.StringFlag{Name: "salt", Usage: "Salt (default current unix nanoseconds)"},
				},
				Action: signPermission,
			},
			{
				Name:  "seed",
				Usage: "Create or update a chapter, and optionally a user's tip amount",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "chapter", Usage: "Chapter id", Required: true},
					&cli.StringFlag{Name: "novel", Usage: "Novel id", Required: true},
					&cli.StringFlag{Name: "user", Usage: "User id"},
					&cli.StringFlag{Name: "wallet", Usage: "User wallet address"},
					&cli.StringFlag{Name: "tip-amount", Usage: "User tip amount in whole tokens"},
				},
				Action: seed,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("rpc-url") {
		cfg.RPCURL = c.String("rpc-url")
	}
	if c.IsSet("chain-id") {
		chainID, ok := new(big.Int).SetString(c.String("chain-id"), 10)
		if !ok {
			return nil, fmt.Errorf("invalid chain id %q", c.String("chain-id"))
		}
		cfg.ChainID = chainID
	}
	if c.IsSet("spend-permission-manager") {
		cfg.SpendPermissionManagerAddress = c.String("spend-permission-manager")
	}
	if c.IsSet("token") {
		cfg.TokenAddress = c.String("token")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("finality-timeout") {
		cfg.FinalityTimeout = c.Duration("finality-timeout")
	}
	if c.IsSet("in-memory") {
		cfg.InMemory = c.Bool("in-memory")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}

	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openRepository(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	// Initialize chain client
	chain, err := blockchain.NewClient(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	if err := chain.Run(ctx); err != nil {
		return fmt.Errorf("failed to start chain client: %w", err)
	}
	defer chain.Close()

	// Initialize notificator
	var channels []notificator.Channel
	if cfg.TelegramBotToken != "" {
		telegram, err := notificator.NewTelegramNotificator(ctx, log, cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return err
		}
		channels = append(channels, telegram)
	}
	if cfg.AlertEmail != "" {
		channels = append(channels, notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender, cfg.AlertEmail))
	}
	alerts := notificator.NewNotificator(log, channels...)
	defer alerts.Wait()

	metrics.Register()

	tributumApp := tributum.NewTributum(db, chain, alerts, log, cfg)

	var apiServer models.APIServer = http_api.NewHTTPServer(tributumApp, cfg.APIPort, log)
	go apiServer.Start()

	<-ctx.Done()
	log.Info("Shutdown signal received")
	return apiServer.Shutdown()
}

func openRepository(cfg *config.Config, log *logger.Logger) (models.Repository, error) {
	if cfg.InMemory {
		log.Warn("Using in-memory repository, data is lost on restart")
		return repository.NewMemoryDB(log), nil
	}
	db, err := repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func signPermission(c *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	spender := c.String("spender")
	if spender == "" {
		key, err := cfg.SpenderKey()
		if err != nil {
			return fmt.Errorf("no --spender given and SPENDER_PRIVATE_KEY is unusable: %w", err)
		}
		spender = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}

	start := c.String("start")
	if start == "" {
		start = fmt.Sprint(time.Now().Unix())
	}
	salt := c.String("salt")
	if salt == "" {
		salt = fmt.Sprint(time.Now().UnixNano())
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.String("key"), "0x"))
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	perm, err := signature.ToPermission(&models.PermissionPayload{
		Account:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Spender:   spender,
		Token:     cfg.TokenAddress,
		Allowance: models.Numeric(c.String("allowance")),
		Period:    models.Numeric(c.String("period")),
		Start:     models.Numeric(start),
		End:       models.Numeric(c.String("end")),
		Salt:      models.Numeric(salt),
	})
	if err != nil {
		return err
	}

	domain := signature.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           cfg.ChainID,
		VerifyingContract: common.HexToAddress(cfg.SpendPermissionManagerAddress),
	}
	sig, err := signature.Sign(key, perm, domain)
	if err != nil {
		return fmt.Errorf("failed to sign permission: %w", err)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(map[string]interface{}{
		"payload":   signature.ToPayload(perm),
		"signature": sig,
	})
}

func seed(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Development, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	db, err := openRepository(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	if err := db.UpsertChapter(ctx, &models.Chapter{ID: c.String("chapter"), NovelID: c.String("novel")}); err != nil {
		return err
	}
	chapter, err := db.GetChapter(ctx, c.String("chapter"))
	if err != nil {
		return err
	}
	log.Info("Chapter saved", "chapter", chapter.ID, "novel", chapter.NovelID, "tip_count", chapter.TipCount)

	if c.String("user") == "" {
		return nil
	}
	user, err := db.GetUser(ctx, c.String("user"))
	if errors.Is(err, models.ErrNotFound) {
		user, err = &models.User{ID: c.String("user"), CreatedAt: time.Now().Unix()}, nil
	}
	if err != nil {
		return err
	}
	if c.IsSet("wallet") {
		wallet, err := validation.ValidateAndNormalizeAddress(c.String("wallet"))
		if err != nil {
			return err
		}
		user.WalletAddress = wallet
	}
	if c.IsSet("tip-amount") {
		amount, err := decimal.NewFromString(c.String("tip-amount"))
		if err != nil {
			return fmt.Errorf("invalid tip amount: %w", err)
		}
		user.TipAmount = decimal.NewNullDecimal(amount)
	}
	if err := db.UpsertUser(ctx, user); err != nil {
		return err
	}
	log.Info("User saved", "user", user.ID, "wallet", user.WalletAddress, "tip_amount", user.TipAmount)
	return nil
}
