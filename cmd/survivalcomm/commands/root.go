package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	survivalcomm "github.com/Iriartelabs/survivalcomm"
	"github.com/Iriartelabs/survivalcomm/crypto"
	"github.com/Iriartelabs/survivalcomm/store"
)

var (
	home         string
	directoryURL string
	relayURL     string
	userID       string
	displayName  string
	logLevel     string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "survivalcomm",
		Short: "Peer-to-peer encrypted messenger engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			logrus.SetLevel(level)

			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".survivalcomm")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.survivalcomm)")
	root.PersistentFlags().StringVar(&directoryURL, "directory", "", "directory server base URL")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay server base URL (optional)")
	root.PersistentFlags().StringVar(&userID, "id", "", "user id registered with the directory")
	root.PersistentFlags().StringVar(&displayName, "name", "", "display name sent to peers")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "logrus level (debug, info, warning, error)")

	root.AddCommand(initCmd(), fingerprintCmd(), listenCmd(), sendCmd(), statusCmd())
	return root.Execute()
}

func seedPath() string {
	return filepath.Join(home, "identity.seed")
}

func loadIdentity() (*crypto.Identity, error) {
	raw, err := os.ReadFile(seedPath())
	if err != nil {
		return nil, fmt.Errorf("no identity found, run init first: %w", err)
	}
	seed, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("corrupt identity seed: %w", err)
	}
	return crypto.IdentityFromSeed(seed)
}

func buildMessenger(listenAddr string) (*survivalcomm.Messenger, error) {
	if directoryURL == "" {
		return nil, fmt.Errorf("no directory configured, use --directory")
	}
	if userID == "" {
		return nil, fmt.Errorf("no user id configured, use --id")
	}

	ident, err := loadIdentity()
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(filepath.Join(home, "messages.db"))
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	return survivalcomm.New(&survivalcomm.Options{
		ID:           userID,
		DisplayName:  displayName,
		Identity:     ident,
		DirectoryURL: directoryURL,
		RelayURL:     relayURL,
		ListenAddr:   listenAddr,
		Store:        st,
	})
}
