// Command ledger runs the contract ledger API and its maintenance tasks.
//
//	ledger [serve]                              run the HTTP API (default)
//	ledger migrate                              apply schema migrations
//	ledger keygen                               print a fresh CONTRACT_ENCRYPTION_KEY
//	ledger token -tenant T -user U -role R      sign a bearer token for local use
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/app/runtime"
	"github.com/R3E-Network/contract_ledger/internal/config"
	"github.com/R3E-Network/contract_ledger/internal/crypto"
	"github.com/R3E-Network/contract_ledger/internal/middleware"
	"github.com/R3E-Network/contract_ledger/internal/platform/migrations"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "migrate":
		err = migrate()
	case "keygen":
		err = keygen(os.Stdout)
	case "token":
		err = token(args, os.Stdout)
	default:
		err = fmt.Errorf("unknown command %q (want serve, migrate, keygen or token)", cmd)
	}
	if err != nil {
		log.Fatalf("ledger %s: %v", cmd, err)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	application, err := runtime.NewApplication(cfg, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)
	if err := application.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown: %v", err)
	}
	return runErr
}

func migrate() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := runtime.OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := migrations.Up(db.DB)
	if err != nil {
		return err
	}
	logger.New(cfg.Logging).WithField("version", version).Info("schema up to date")
	return nil
}

func keygen(w io.Writer) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, key)
	return err
}

func token(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id")
	user := fs.String("user", "", "user id")
	roleName := fs.String("role", string(auth.RoleViewer), "role: owner, admin, editor, analyst, sales or viewer")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to JWT_TOKEN_TTL)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *user == "" {
		return fmt.Errorf("-tenant and -user are required")
	}
	role, ok := auth.ParseRole(*roleName)
	if !ok {
		return fmt.Errorf("unknown role %q", *roleName)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Auth.JWTSecret) < config.MinJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", config.MinJWTSecretLength)
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	signed, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), auth.Principal{TenantID: *tenant, UserID: *user, Role: role}, lifetime)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, signed)
	return err
}
