package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowstub/flowstub/internal/mitm"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the MitM root CA",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new CA and print it as base64-encoded PKCS#12",
	RunE:  runCertGenerate,
}

var certExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the PEM certificate of a base64-encoded PKCS#12 CA",
	RunE:  runCertExport,
}

var (
	certPassphrase string
	certP12Base64  string
	certP12File    string
	certOutputFile string
)

func init() {
	certGenerateCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12 bundle")
	certGenerateCmd.Flags().StringVar(&certOutputFile, "output", "", "Also write the PEM certificate to this file")

	certExportCmd.Flags().StringVar(&certP12Base64, "p12-base64", "", "Base64-encoded PKCS#12 data")
	certExportCmd.Flags().StringVar(&certP12File, "p12-file", "", "File holding base64-encoded PKCS#12 data")
	certExportCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12 bundle")
	certExportCmd.Flags().StringVar(&certOutputFile, "output", "", "Write the PEM certificate to this file instead of stdout")

	certCmd.AddCommand(certGenerateCmd)
	certCmd.AddCommand(certExportCmd)
	rootCmd.AddCommand(certCmd)
}

func runCertGenerate(cmd *cobra.Command, args []string) error {
	ca, err := mitm.GenerateCA()
	if err != nil {
		return fmt.Errorf("failed to generate CA: %w", err)
	}
	p12Base64, err := ca.EncodeP12(certPassphrase)
	if err != nil {
		return fmt.Errorf("failed to encode CA as PKCS#12: %w", err)
	}

	// stdout carries only the bundle so it can be captured into mitm.ca-p12.
	fmt.Fprintln(cmd.OutOrStdout(), p12Base64)

	if certOutputFile != "" {
		if err := os.WriteFile(certOutputFile, ca.CertPEM(), 0644); err != nil {
			return fmt.Errorf("failed to write PEM file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "PEM certificate written to %s\n", certOutputFile)
	}
	return nil
}

func runCertExport(cmd *cobra.Command, args []string) error {
	p12 := certP12Base64
	if p12 == "" && certP12File != "" {
		data, err := os.ReadFile(certP12File)
		if err != nil {
			return fmt.Errorf("failed to read PKCS#12 file: %w", err)
		}
		p12 = strings.TrimSpace(string(data))
	}
	if p12 == "" {
		return fmt.Errorf("--p12-base64 or --p12-file is required")
	}

	ca, err := mitm.DecodeP12(p12, certPassphrase)
	if err != nil {
		return fmt.Errorf("failed to decode PKCS#12: %w", err)
	}

	if certOutputFile == "" {
		_, err := cmd.OutOrStdout().Write(ca.CertPEM())
		return err
	}
	if err := os.WriteFile(certOutputFile, ca.CertPEM(), 0644); err != nil {
		return fmt.Errorf("failed to write PEM file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "PEM certificate written to %s\n", certOutputFile)
	return nil
}
