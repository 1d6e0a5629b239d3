package cli

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var enrollOutputDir string

func init() {
	enrollCmd.Flags().StringVar(&enrollOutputDir, "out", defaultKeyDir(), "Directory to write the device private key into")
	rootCmd.AddCommand(enrollCmd)
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Generate this runner's device identity and print its public key",
	Long: `enroll generates an ed25519 keypair for this machine, writes the private
key to disk, and prints the device id and public key to register with the
control plane's device enrollment. Re-running enroll overwrites the local
key and invalidates the previous device id's signature on the control plane
side (the operator must re-enroll there too).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("generating device keypair: %w", err)
		}
		deviceID := uuid.NewString()

		if err := os.MkdirAll(enrollOutputDir, 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
		keyPath := filepath.Join(enrollOutputDir, "device.key")
		if err := os.WriteFile(keyPath, priv, 0600); err != nil {
			return fmt.Errorf("writing device private key: %w", err)
		}

		fmt.Printf("device id:  %s\n", deviceID)
		fmt.Printf("public key: %s\n", base64.StdEncoding.EncodeToString(pub))
		fmt.Printf("private key written to %s\n", keyPath)
		fmt.Println("register this device id and public key with the control plane, then set")
		fmt.Println("device_id in vkrunner.yml (or VK_DEVICE_ID) to the id printed above.")
		return nil
	},
}

func defaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vkrunner"
	}
	return filepath.Join(home, ".config", "vkrunner")
}
