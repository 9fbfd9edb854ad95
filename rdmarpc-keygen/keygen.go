// Generates a CURVE key pair for the zmq fabric of an rdmarpc node. Point security.public-key
// and security.private-key of the node's config at the two files and list the public key
// under security.peer-keys on every other node.
package main

import (
	"fmt"
	"os"

	smgr "github.com/dermesser/rdmarpc/securitymanager"

	"github.com/spf13/cobra"
)

var pubfile, privfile string

func init() {
	cmd.Flags().StringVar(&pubfile, "pub", "publickey.txt", "File to write public key to.")
	cmd.Flags().StringVar(&privfile, "priv", "privatekey.txt", "File to write private key to.")
}

var cmd = &cobra.Command{
	Use:   "rdmarpc-keygen",
	Short: "generate a fabric key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Generating key pair...")

		kp, err := smgr.GenerateKeyPair()
		if err != nil {
			return err
		}
		return kp.WriteKeys(pubfile, privfile)
	},
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
