package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iriartelabs/survivalcomm/crypto"
	"github.com/Iriartelabs/survivalcomm/verify"
)

// init: generate and store the device identity seed.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a new device identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(seedPath()); err == nil {
				return fmt.Errorf("identity already exists at %s", seedPath())
			}

			seed := make([]byte, crypto.SeedSize)
			if _, err := rand.Read(seed); err != nil {
				return err
			}
			ident, err := crypto.IdentityFromSeed(seed)
			if err != nil {
				return err
			}

			if err := os.WriteFile(seedPath(), []byte(hex.EncodeToString(seed)), 0o600); err != nil {
				return err
			}

			fmt.Println("identity created")
			fmt.Println("fingerprint:", verify.Fingerprint(ident.PublicKey()))
			return nil
		},
	}
}
