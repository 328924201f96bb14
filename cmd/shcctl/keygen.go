package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amitkgupta/go-smarthealth/ecdsa"
)

type keygenCmdParams struct {
	outFile string
}

func init() {
	params := keygenCmdParams{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh ECDSA P-256 issuer signing key",
		Long: `Generate a fresh ECDSA P-256 issuer signing key (ES256).

Prints the private key's d, x, and y parameters and the public JWK (with
its kid set to the RFC 7638 thumbprint) as JSON. The private parameters
are sensitive; store them the way you would any other signing key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigDefaults(cmd.Flags()); err != nil {
				return err
			}
			return doKeygen(params)
		},
	}

	cmd.Flags().StringVarP(&params.outFile, "out", "o", "", "write the JSON output to this file instead of stdout")

	rootCmd.AddCommand(cmd)
}

type keygenOutput struct {
	D         string       `json:"d"`
	X         string       `json:"x"`
	Y         string       `json:"y"`
	PublicJWK ecdsa.JWK    `json:"publicJwk"`
	JWKS      ecdsa.JWKSet `json:"jwks"`
}

func doKeygen(params keygenCmdParams) error {
	key, err := ecdsa.GenerateKey()
	if err != nil {
		return err
	}

	d, x, y, err := ecdsa.Params(key)
	if err != nil {
		return err
	}

	out := keygenOutput{
		D:         d,
		X:         x,
		Y:         y,
		PublicJWK: ecdsa.PublicJWK(key),
		JWKS:      ecdsa.JWKSet{Keys: []ecdsa.JWK{ecdsa.PublicJWK(key)}},
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if params.outFile == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(params.outFile, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
