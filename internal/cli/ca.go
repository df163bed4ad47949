package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telemetry-tap/internal/proxy"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the interception certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new interception CA",
	Long: `Generate a P-256 certificate authority for HTTPS interception.

Clients must trust the certificate before their TLS traffic can be captured.
Point proxy.ca_cert and proxy.ca_key at the generated files.`,
	Example: `  tap ca init --cert ca.pem --key ca-key.pem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		certPath, _ := cmd.Flags().GetString("cert")
		keyPath, _ := cmd.Flags().GetString("key")
		name, _ := cmd.Flags().GetString("name")
		force, _ := cmd.Flags().GetBool("force")

		if !force {
			for _, p := range []string{certPath, keyPath} {
				if _, err := os.Stat(p); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", p)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
		}

		ca, err := proxy.GenerateCA(name)
		if err != nil {
			return err
		}
		if err := ca.WriteFiles(certPath, keyPath); err != nil {
			return err
		}

		p := printerFor(cmd)
		p.Success("Generated CA %q", ca.Cert.Subject.CommonName)
		p.Info("Certificate: %s (expires %s)", certPath, ca.Cert.NotAfter.Format("2006-01-02"))
		p.Info("Private key: %s", keyPath)
		return nil
	},
}

func init() {
	caInitCmd.Flags().String("cert", "ca.pem", "certificate output path")
	caInitCmd.Flags().String("key", "ca-key.pem", "private key output path")
	caInitCmd.Flags().String("name", proxy.DefaultCACommonName, "certificate common name")
	caInitCmd.Flags().Bool("force", false, "overwrite existing files")

	caCmd.AddCommand(caInitCmd)
	rootCmd.AddCommand(caCmd)
}
