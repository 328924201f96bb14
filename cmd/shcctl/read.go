package main

import (
	"bufio"
	stdecdsa "crypto/ecdsa"
	"fmt"
	"math/big"
	"os"

	"github.com/spf13/cobra"

	"github.com/amitkgupta/go-smarthealth/fhirbundle"
	"github.com/amitkgupta/go-smarthealth/shc"
)

type readCmdParams struct {
	fileIn               string
	jwsIn                string
	qrIn                 string
	publicKeyX           string
	publicKeyY           string
	noVerifyExpiration    bool
	outFile              string
	qrOptimizedOut       bool
	nonStrictReferenceOut bool
}

func init() {
	params := readCmdParams{}

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Verify and read back a SMART Health Card",
		Long: `Verify and read back a SMART Health Card.

Accepts exactly one of --file (a .smart-health-card JSON file), --jws (a
compact JWS string), or --qr (a file containing one numeric QR chunk per
line). Resolves the issuer's signing key via --public-key-x/y if given,
falling back to live /.well-known/jwks.json discovery. Writes the
recovered FHIR Bundle JSON to --out (or stdout).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigDefaults(cmd.Flags()); err != nil {
				return err
			}
			return doRead(params)
		},
	}

	cmd.Flags().StringVar(&params.fileIn, "file", "", "path to a .smart-health-card file")
	cmd.Flags().StringVar(&params.jwsIn, "jws", "", "a compact JWS string")
	cmd.Flags().StringVar(&params.qrIn, "qr", "", "path to a file of newline-separated numeric QR chunks")
	cmd.Flags().StringVar(&params.publicKeyX, "public-key-x", "", "issuer public key parameter x, skips JWKS discovery if set with -y")
	cmd.Flags().StringVar(&params.publicKeyY, "public-key-y", "", "issuer public key parameter y, skips JWKS discovery if set with -x")
	cmd.Flags().BoolVar(&params.noVerifyExpiration, "no-verify-expiration", false, "accept an expired card")
	cmd.Flags().StringVarP(&params.outFile, "out", "o", "", "write the recovered FHIR bundle JSON here instead of stdout")
	cmd.Flags().BoolVar(&params.qrOptimizedOut, "qr-optimized", false, "re-run the recovered bundle through the QR-optimised transform before printing")
	cmd.Flags().BoolVar(&params.nonStrictReferenceOut, "non-strict-references", false, "use non-strict reference rewriting for --qr-optimized")

	rootCmd.AddCommand(cmd)
}

func loadVerificationKey(params readCmdParams) (*stdecdsa.PublicKey, error) {
	if params.publicKeyX == "" && params.publicKeyY == "" {
		return nil, nil
	}
	if params.publicKeyX == "" || params.publicKeyY == "" {
		return nil, fmt.Errorf("both --public-key-x and --public-key-y must be set together")
	}

	x := new(big.Int)
	if err := x.UnmarshalText([]byte(params.publicKeyX)); err != nil {
		return nil, fmt.Errorf("parse --public-key-x: %w", err)
	}
	y := new(big.Int)
	if err := y.UnmarshalText([]byte(params.publicKeyY)); err != nil {
		return nil, fmt.Errorf("parse --public-key-y: %w", err)
	}

	return &stdecdsa.PublicKey{Curve: ellipticP256(), X: x, Y: y}, nil
}

func readQRChunks(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open QR chunks file: %w", err)
	}
	defer f.Close()

	var chunks []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		chunks = append(chunks, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read QR chunks file: %w", err)
	}
	return chunks, nil
}

func doRead(params readCmdParams) error {
	set := 0
	for _, v := range []string{params.fileIn, params.jwsIn, params.qrIn} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("specify exactly one of --file, --jws, --qr")
	}

	pub, err := loadVerificationKey(params)
	if err != nil {
		return err
	}

	reader := shc.NewReader()
	reader.VerifyExpiration = !params.noVerifyExpiration
	reader.PublicKey = pub

	ctx := cmdContext()

	var card *shc.Shc
	switch {
	case params.fileIn != "":
		data, readErr := os.ReadFile(params.fileIn)
		if readErr != nil {
			return fmt.Errorf("read card file: %w", readErr)
		}
		card, err = reader.FromFileContent(ctx, data)
	case params.jwsIn != "":
		card, err = reader.FromJWS(ctx, params.jwsIn)
	case params.qrIn != "":
		var chunks []string
		chunks, err = readQRChunks(params.qrIn)
		if err == nil {
			card, err = reader.FromQRNumeric(ctx, chunks...)
		}
	}
	if err != nil {
		return err
	}

	bundle, err := card.AsBundle(shc.BundleOptions{
		OptimizeForQR:    params.qrOptimizedOut,
		StrictReferences: !params.nonStrictReferenceOut,
	})
	if err != nil {
		return err
	}

	return writeBundle(bundle, params.outFile)
}

func writeBundle(bundle fhirbundle.Bundle, outFile string) error {
	data, err := bundle.MarshalJSON()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if outFile == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outFile, data, 0o644)
}
