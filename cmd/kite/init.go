package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loginUserID int64
	loginUID    string
)

func init() {
	loginCmd.Flags().Int64Var(&loginUserID, "user-id", 0, "Numeric account id")
	loginCmd.Flags().StringVar(&loginUID, "uid", "", "Account scope identifier")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <server-url>",
	Short: "Store the server URL in ~/.kite/config.toml",
	Long:  "Initialize the Kite CLI by storing the IM server base URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.ServerURL = args[0]

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Server URL saved to %s\n", path)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store the access token and account identity",
	Long:  "Store the access token returned by the sign-in flow, together with the numeric account id and scope identifier.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginUserID == 0 || loginUID == "" {
			return fmt.Errorf("both --user-id and --uid are required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.ServerURL == "" {
			return fmt.Errorf("no server URL configured; run 'kite init <server-url>' first")
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = loginUserID
		cfg.Auth.UID = loginUID

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s (id %d)\n", loginUID, loginUserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed out")
		return nil
	},
}
