package commands

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"meshpay/internal/signer"
)

// keygenCmd creates the node's long-term signing key under <home>/keys.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <device-id>",
		Short: "Generate a signing keypair for this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			fs, err := signer.NewFileSigner(filepath.Join(home, "keys"))
			if err != nil {
				return err
			}
			if pub, err := fs.PublicKey(id); err == nil {
				fmt.Printf("Key for %s already exists. Public key: %s\n", id, hex.EncodeToString(pub))
				return nil
			}
			pub, err := fs.Generate(id)
			if err != nil {
				return fmt.Errorf("generating key for %q: %w", id, err)
			}
			fmt.Printf("Generated signing key for %s. Public key: %s\n", id, hex.EncodeToString(pub))
			return nil
		},
	}
}
