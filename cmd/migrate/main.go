package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"authgate.org/internal/auth"
	"authgate.org/internal/config"
	"authgate.org/internal/ids"
	"authgate.org/internal/migrate"
	"authgate.org/internal/store/pg"
	"authgate.org/migrations"
)

const usage = `usage: migrate [flags] <command>

commands:
  up        apply pending migrations
  down      roll back the latest migration
  status    list applied migrations
  pending   list migrations not yet applied
  seed      apply pending seed files
  admin     create a principal holding the admin role (-email, -password)`

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("AUTHGATE_PG_DSN"), "PostgreSQL DSN")
		email    = flag.String("email", "", "admin email (admin command)")
		password = flag.String("password", os.Getenv("AUTHGATE_ADMIN_PASSWORD"), "admin password (admin command)")
		roleID   = flag.String("role", "role-admin", "role granted by the admin command")
	)
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AUTHGATE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := pg.Open(config.DatabaseConfig{DSN: *dsn, MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.FS, "sql", "seeds")

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		printList("applied", applied)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		printList("applied", history)
	case "pending":
		var pending []string
		pending, err = mgr.Pending(ctx)
		printList("pending", pending)
	case "seed":
		err = mgr.Seed(ctx)
	case "admin":
		err = createAdmin(ctx, store, *email, *password, *roleID)
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func printList(label string, items []string) {
	if len(items) == 0 {
		fmt.Printf("no migrations %s\n", label)
		return
	}
	for _, item := range items {
		fmt.Println(item)
	}
}

func createAdmin(ctx context.Context, store *pg.Store, email, password, roleID string) error {
	if email == "" || password == "" {
		return errors.New("admin requires -email and -password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	p, err := store.CreatePrincipal(ctx, auth.Principal{
		Email:        email,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create principal: %w", err)
	}
	err = store.GrantRole(ctx, auth.RoleGrant{
		ID:          ids.New(),
		PrincipalID: p.ID,
		Role:        auth.Role{ID: roleID},
		ValidFrom:   time.Now().UTC(),
		Active:      true,
		Primary:     true,
	})
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	fmt.Printf("created admin %s (%s)\n", p.ID, p.Email)
	return nil
}
