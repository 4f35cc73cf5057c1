// Command portalctl runs administrative tasks against the portal database:
// schema migrations, default admin bootstrap, user creation and password
// rotation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/security"
)

const usage = `usage: portalctl [-config path] <command> [flags]

commands:
  migrate                               apply database migrations
  create-admin                          create the default admin user if missing
  create-user -email E -password P      create a user
  set-password -email E -password P     replace a user's password hash
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "portalctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("portalctl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprint(out, usage) }
	configPath := fs.String("config", config.DefaultPath, "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "migrate", "create-admin", "create-user", "set-password":
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	database, err := db.Open(ctx, db.Options{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		QueryTimeout:   cfg.Database.QueryTimeout,
	})
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	hasher, err := security.NewHasher(cfg.Password.Scheme, cfg.Password.BcryptCost)
	if err != nil {
		return err
	}

	switch cmd {
	case "migrate":
		fmt.Fprintln(out, "Initialized the database.")
		return nil
	case "create-admin":
		return createAdmin(ctx, database, hasher, cfg, out)
	case "create-user":
		return createUser(ctx, database, hasher, cmdArgs, out)
	default:
		return setPassword(ctx, database, hasher, cmdArgs, out)
	}
}

func createAdmin(ctx context.Context, database *db.DB, hasher security.Hasher, cfg *config.Config, out io.Writer) error {
	created, err := database.EnsureDefaultUser(ctx, cfg.Bootstrap.Email, cfg.Bootstrap.Password, hasher)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintln(out, "Admin user created!")
	} else {
		fmt.Fprintln(out, "Admin user already exists!")
	}
	return nil
}

func credentialFlags(name string, args []string, out io.Writer) (string, string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	email := fs.String("email", "", "login email")
	password := fs.String("password", "", "plaintext password")
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}
	if *email == "" || *password == "" {
		return "", "", fmt.Errorf("%s: -email and -password are required", name)
	}
	return *email, *password, nil
}

func createUser(ctx context.Context, database *db.DB, hasher security.Hasher, args []string, out io.Writer) error {
	email, password, err := credentialFlags("create-user", args, out)
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}
	user, err := database.CreateUser(ctx, email, hash)
	if err != nil {
		if errors.Is(err, db.ErrDuplicateUser) {
			return fmt.Errorf("user %s already exists", email)
		}
		return err
	}
	fmt.Fprintf(out, "User %s created (id %s).\n", user.Email, user.ID)
	return nil
}

func setPassword(ctx context.Context, database *db.DB, hasher security.Hasher, args []string, out io.Writer) error {
	email, password, err := credentialFlags("set-password", args, out)
	if err != nil {
		return err
	}
	user, err := database.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("no user with email %s", email)
		}
		return err
	}
	if err := security.SetPassword(user, hasher, password); err != nil {
		return err
	}
	if err := database.UpdatePasswordHash(ctx, user.ID, user.PasswordHash); err != nil {
		return err
	}
	fmt.Fprintf(out, "Password updated for %s.\n", user.Email)
	return nil
}
