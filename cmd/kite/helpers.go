package main

import (
	"fmt"
	"os"
	"path/filepath"

	kite "github.com/Kite-IM/Kite/client/golang"
)

// getClient builds a client from the stored configuration. The caller owns
// the returned client and must Close it.
func getClient() *kite.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "No server URL. Run 'kite init <server-url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'kite login <token>' first.")
		os.Exit(1)
	}

	storePath := cfg.Default.StorePath
	if storePath == "" {
		if dir, err := configDir(); err == nil {
			storePath = filepath.Join(dir, "state")
		}
	}

	if cfg.Log.FileName == "" {
		if dir, err := configDir(); err == nil {
			cfg.Log.FileName = filepath.Join(dir, "kite.log")
		}
	}
	if _, err := kite.InitLogging(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	client, err := kite.NewClient(kite.Config{
		ServerURL:  cfg.Default.ServerURL,
		Account:    kite.Account{ID: cfg.Auth.UserID, UID: cfg.Auth.UID},
		WindowRole: kite.RolePrimary,
		StorePath:  storePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	return client
}
