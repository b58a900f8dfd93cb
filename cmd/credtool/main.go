// Command credtool manages the encrypted credential database from the
// terminal: the master key pair, follower accounts and admin logins.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"copy_trader/internal/config"
	"copy_trader/internal/creds"
	"copy_trader/pkg/logging"
)

const usage = `Usage: credtool -config <file> <command> [args]

Commands:
  set-master <api-key> <secret-key>        store the master key pair
  add-client <name> <api-key> <secret-key> add a follower account
  remove-client <name>                     remove a follower account
  list-clients                             list follower names
  add-user <username> <password>           add an admin login
`

func main() {
	configPath := flag.String("config", "configs/copytrader.yaml", "Path to configuration file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	key, err := creds.ParseKey(cfg.Credentials.EncryptionKey.Reveal())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid credential encryption key: %v\n", err)
		os.Exit(1)
	}
	store, err := creds.NewStore(cfg.Credentials.DBPath, key, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open credential store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	if err := run(ctx, store, args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, store *creds.Store, args []string) error {
	switch cmd, rest := args[0], args[1:]; cmd {
	case "set-master":
		if len(rest) != 2 {
			return fmt.Errorf("set-master needs <api-key> <secret-key>")
		}
		if err := store.SetMaster(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Println("master credentials stored")
		return nil

	case "add-client":
		if len(rest) != 3 {
			return fmt.Errorf("add-client needs <name> <api-key> <secret-key>")
		}
		if err := store.AddClient(ctx, rest[0], rest[1], rest[2]); err != nil {
			return err
		}
		fmt.Printf("follower %q added\n", rest[0])
		return nil

	case "remove-client":
		if len(rest) != 1 {
			return fmt.Errorf("remove-client needs <name>")
		}
		if err := store.RemoveClient(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Printf("follower %q removed\n", rest[0])
		return nil

	case "list-clients":
		set, err := store.Load(ctx)
		if err != nil {
			return err
		}
		for _, f := range set.Followers {
			fmt.Println(f.Name)
		}
		return nil

	case "add-user":
		if len(rest) != 2 {
			return fmt.Errorf("add-user needs <username> <password>")
		}
		if err := store.AddUser(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Printf("user %q added\n", rest[0])
		return nil

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}
