package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iriartelabs/survivalcomm/verify"
)

// fingerprint: print the local identity fingerprint for out-of-band
// comparison.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's identity fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := loadIdentity()
			if err != nil {
				return err
			}
			fmt.Println(verify.Fingerprint(ident.PublicKey()))
			return nil
		},
	}
}
