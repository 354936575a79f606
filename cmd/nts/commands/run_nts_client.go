package commands

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thekuwayama/cfnts/internal/config"
	"github.com/thekuwayama/cfnts/internal/log"
	"github.com/thekuwayama/cfnts/net/ntske"
)

var runNTSClientCmd = &cobra.Command{
	Use:   "run-nts-client <config>",
	Short: "Perform a one-shot NTS-KE exchange and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runNTSClient,
}

func runNTSClient(cmd *cobra.Command, args []string) error {
	logger, err := log.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadNTSClient(args[0])
	if err != nil {
		return err
	}

	ccfg := ntske.ClientConfig{
		Host:    cfg.Host,
		Port:    cfg.Port,
		UseIPv4: cfg.UseIPv4,
		UseIPv6: cfg.UseIPv6,
	}
	if cfg.TrustedCertFile != "" {
		cert, err := loadTrustedCert(cfg.TrustedCertFile)
		if err != nil {
			return err
		}
		ccfg.TrustedCert = cert
	}

	result, err := ntske.Exchange(ccfg)
	if err != nil {
		return fmt.Errorf("nts-client: exchange with %s: %w", cfg.Host, err)
	}

	fmt.Printf("next server: %s:%d\n", result.NextServer, result.NextPort)
	fmt.Printf("aead scheme: %d\n", result.AEADScheme)
	fmt.Printf("c2s key:     %s\n", hex.EncodeToString(result.Keys.C2S[:]))
	fmt.Printf("s2c key:     %s\n", hex.EncodeToString(result.Keys.S2C[:]))
	fmt.Printf("cookies:     %d\n", len(result.Cookies))
	for i, c := range result.Cookies {
		fmt.Printf("  [%d] %s\n", i, hex.EncodeToString(c))
	}
	return nil
}

func loadTrustedCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nts-client: reading trusted cert %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("nts-client: trusted cert %s is not PEM-encoded", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("nts-client: parsing trusted cert %s: %w", path, err)
	}
	return cert, nil
}
