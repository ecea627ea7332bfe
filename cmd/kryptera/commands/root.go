package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kryptera/internal/app"
)

var (
	home       string
	configFile string
	passphrase string

	directoryURL string
	user         string
	deviceID     string

	cfg *app.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:   "kryptera",
		Short: "End-to-end encrypted messaging CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".kryptera")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			var err error
			if configFile != "" {
				cfg, err = app.LoadFile(configFile)
			} else {
				cfg, err = loadDefaultConfig()
			}
			if err != nil {
				return err
			}
			if err := cfg.FixupAndValidate(home); err != nil {
				return err
			}

			// Flags override file values.
			if directoryURL != "" {
				cfg.Directory.URL = directoryURL
			}
			if user != "" {
				cfg.Device.User = user
			}
			if deviceID != "" {
				cfg.Device.ID = deviceID
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.kryptera)")
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default <home>/kryptera.toml)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local store")
	root.PersistentFlags().StringVar(&directoryURL, "directory", "", "directory base URL (e.g. http://127.0.0.1:8222)")
	root.PersistentFlags().StringVar(&user, "user", "", "account name this device belongs to")
	root.PersistentFlags().StringVar(&deviceID, "device", "", "device id within the account")

	root.AddCommand(initCmd(), fingerprintCmd(), registerCmd(), sendCmd(), recvCmd(),
		rotateCmd(), sessionsCmd(), devicesCmd(), resetSessionCmd())
	return root.Execute()
}

// loadDefaultConfig reads <home>/kryptera.toml; a missing file just means
// defaults.
func loadDefaultConfig() (*app.Config, error) {
	cfg, err := app.LoadFile(filepath.Join(home, "kryptera.toml"))
	if errors.Is(err, os.ErrNotExist) {
		return new(app.Config), nil
	}
	return cfg, err
}

// buildWire unlocks the store and assembles the services for one command
// invocation. The caller defers Shutdown.
func buildWire() (*app.Wire, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p)")
	}
	return app.NewWire(cfg, passphrase)
}

func requireUser() error {
	if cfg.Device.User == "" {
		return fmt.Errorf("--user required (or set User under [Device] in the config)")
	}
	return nil
}
