package main

import (
	stdecdsa "crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amitkgupta/go-smarthealth/ecdsa"
	"github.com/amitkgupta/go-smarthealth/fhirbundle"
	"github.com/amitkgupta/go-smarthealth/fhirbundle/example"
	"github.com/amitkgupta/go-smarthealth/shc"
	"github.com/amitkgupta/go-smarthealth/vc"
)

type issueCmdParams struct {
	issuer             string
	bundleFile         string
	useExample         bool
	keyFile            string
	keyD, keyX, keyY   string
	outFile            string
	fhirVersion        string
	additionalTypes    []string
	expiresIn          time.Duration
	disableQROptimize  bool
	nonStrictReference bool
}

// exampleBundle builds the demo COVID-19 immunization bundle --example
// issues, standing in for a real --bundle file.
func exampleBundle() fhirbundle.Bundle {
	return example.ImmunizationBundle(
		example.Patient{
			Name:      example.Name{Family: "Anyperson", Givens: []string{"John", "B."}},
			BirthDate: time.Date(1951, time.January, 20, 0, 0, 0, 0, time.UTC),
		},
		[]example.Immunization{
			{
				DatePerformed: time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC),
				Performer:     "Example Health Clinic",
				LotNumber:     "0000001",
				VaccineType:   example.Moderna,
			},
			{
				DatePerformed: time.Date(2021, time.January, 29, 0, 0, 0, 0, time.UTC),
				Performer:     "Example Health Clinic",
				LotNumber:     "0000007",
				VaccineType:   example.Moderna,
			},
		},
	)
}

func init() {
	params := issueCmdParams{}

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a SMART Health Card from a FHIR bundle",
		Long: `Issue a SMART Health Card from a FHIR bundle.

Reads a FHIR Bundle resource from --bundle, runs it through the QR-
optimised transform (unless --no-qr-optimize is set), signs it as a
verifiable credential, and writes the resulting .smart-health-card file
to --out (or stdout).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigDefaults(cmd.Flags()); err != nil {
				return err
			}
			return doIssue(params)
		},
	}

	cmd.Flags().StringVar(&params.issuer, "issuer", "", "issuer URL (iss claim); required")
	cmd.Flags().StringVar(&params.bundleFile, "bundle", "", "path to a FHIR Bundle JSON file; required unless --example is set")
	cmd.Flags().BoolVar(&params.useExample, "example", false, "issue a built-in demo COVID-19 immunization bundle instead of reading --bundle")
	cmd.Flags().StringVar(&params.keyFile, "key-file", "", "path to a keygen JSON output file")
	cmd.Flags().StringVar(&params.keyD, "key-d", "", "private key parameter d (alternative to --key-file)")
	cmd.Flags().StringVar(&params.keyX, "key-x", "", "public key parameter x (alternative to --key-file)")
	cmd.Flags().StringVar(&params.keyY, "key-y", "", "public key parameter y (alternative to --key-file)")
	cmd.Flags().StringVarP(&params.outFile, "out", "o", "", "write the .smart-health-card file here instead of stdout")
	cmd.Flags().StringVar(&params.fhirVersion, "fhir-version", "", "fhirVersion claim (defaults to 4.0.1)")
	cmd.Flags().StringSliceVar(&params.additionalTypes, "additional-type", nil, "additional verifiableCredential type URI, repeatable")
	cmd.Flags().DurationVar(&params.expiresIn, "expires-in", 0, "time until the card expires, e.g. 8760h (default: never)")
	cmd.Flags().BoolVar(&params.disableQROptimize, "no-qr-optimize", false, "skip the QR-optimised transform and embed the bundle as-is")
	cmd.Flags().BoolVar(&params.nonStrictReference, "non-strict-references", false, "leave unrewritable references in place instead of failing")

	rootCmd.AddCommand(cmd)
}

func loadIssuerKey(params issueCmdParams) (*stdecdsa.PrivateKey, error) {
	if params.keyFile != "" {
		data, err := os.ReadFile(params.keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		var out keygenOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		return ecdsa.LoadKey(out.D, out.X, out.Y)
	}
	if params.keyD == "" || params.keyX == "" || params.keyY == "" {
		return nil, fmt.Errorf("specify --key-file, or all of --key-d/--key-x/--key-y")
	}
	return ecdsa.LoadKey(params.keyD, params.keyX, params.keyY)
}

func doIssue(params issueCmdParams) error {
	if params.issuer == "" {
		return fmt.Errorf("--issuer is required")
	}
	if params.bundleFile == "" && !params.useExample {
		return fmt.Errorf("--bundle is required unless --example is set")
	}

	key, err := loadIssuerKey(params)
	if err != nil {
		return err
	}

	var bundle fhirbundle.Bundle
	if params.useExample {
		bundle = exampleBundle()
	} else {
		bundleData, readErr := os.ReadFile(params.bundleFile)
		if readErr != nil {
			return fmt.Errorf("read bundle file: %w", readErr)
		}
		bundle, err = fhirbundle.Parse(bundleData)
		if err != nil {
			return err
		}
	}

	issuer := shc.NewIssuer(params.issuer, key)
	issuer.EnableQROptimization = !params.disableQROptimize
	issuer.StrictReferences = !params.nonStrictReference
	if params.expiresIn > 0 {
		issuer.ExpirationTime = time.Now().Add(params.expiresIn)
	}

	card, err := issuer.Issue(bundle, vc.Options{
		FHIRVersion:     params.fhirVersion,
		AdditionalTypes: params.additionalTypes,
	})
	if err != nil {
		return err
	}

	content, _, err := card.AsFileBlob()
	if err != nil {
		return err
	}

	if params.outFile == "" {
		_, err = os.Stdout.Write(content)
		return err
	}
	return os.WriteFile(params.outFile, content, 0o644)
}
