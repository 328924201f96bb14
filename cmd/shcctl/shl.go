package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/shc"
	"github.com/amitkgupta/go-smarthealth/shl"
	"github.com/amitkgupta/go-smarthealth/shl/storage/fsstore"
)

var shlCmd = &cobra.Command{
	Use:   "shl",
	Short: "Build and resolve SMART Health Links",
}

func init() {
	rootCmd.AddCommand(shlCmd)
}

type shlBuildCmdParams struct {
	baseURL      string
	storageDir   string
	label        string
	flags        string
	cardFiles    []string
	fhirFiles    []string
	compress     bool
	maxEmbed     int
	status       string
	expiresIn    time.Duration
	uriOut       string
	manifestOut  string
}

func init() {
	params := shlBuildCmdParams{compress: true}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a SMART Health Link manifest from local files",
		Long: `Build a SMART Health Link manifest from local files.

Generates a fresh SHL payload, encrypts each --card/--fhir file under its
key, stores the ciphertext under --storage-dir, and builds the resulting
manifest immediately (rather than serving it on demand). Writes the
shlink URI to stdout (or --out) and, if --manifest-out is set, the
manifest JSON to that file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigDefaults(cmd.Flags()); err != nil {
				return err
			}
			return doShlBuild(params)
		},
	}

	cmd.Flags().StringVar(&params.baseURL, "base-url", "", "scheme+host the manifest will be served from; required")
	cmd.Flags().StringVar(&params.storageDir, "storage-dir", "./shl-storage", "directory to store encrypted files under")
	cmd.Flags().StringVar(&params.label, "label", "", "human-readable label, at most 80 characters")
	cmd.Flags().StringVar(&params.flags, "flags", "", "subset of \"LPU\" to set on the payload")
	cmd.Flags().StringSliceVar(&params.cardFiles, "card", nil, "path to a .smart-health-card file to add, repeatable")
	cmd.Flags().StringSliceVar(&params.fhirFiles, "fhir", nil, "path to a bare FHIR resource JSON file to add, repeatable")
	cmd.Flags().BoolVar(&params.compress, "compress", true, "DEFLATE-compress each file before encryption")
	cmd.Flags().IntVar(&params.maxEmbed, "max-embed", 0, "ciphertext length threshold for embedding vs. locating (default: 16384)")
	cmd.Flags().StringVar(&params.status, "status", "", "manifest status: finalized, can-change, or no-longer-valid")
	cmd.Flags().DurationVar(&params.expiresIn, "expires-in", 0, "time until the SHL expires (default: never)")
	cmd.Flags().StringVarP(&params.uriOut, "out", "o", "", "write the shlink URI here instead of stdout")
	cmd.Flags().StringVar(&params.manifestOut, "manifest-out", "", "also write the built manifest JSON here")

	shlCmd.AddCommand(cmd)
}

func doShlBuild(params shlBuildCmdParams) error {
	if params.baseURL == "" {
		return fmt.Errorf("--base-url is required")
	}
	if len(params.cardFiles) == 0 && len(params.fhirFiles) == 0 {
		return fmt.Errorf("specify at least one --card or --fhir file")
	}

	var flags []shl.Flag
	for _, c := range params.flags {
		flags = append(flags, shl.Flag(c))
	}

	var exp *int64
	if params.expiresIn > 0 {
		e := time.Now().Add(params.expiresIn).Unix()
		exp = &e
	}

	payload, err := shl.Generate(shl.GenerateOptions{
		BaseManifestURL: params.baseURL,
		ManifestPath:    "manifest",
		Flags:           flags,
		Label:           params.label,
		Exp:             exp,
	})
	if err != nil {
		return err
	}

	keyBytes, err := numeric.Base64URLDecode(payload.Key)
	if err != nil {
		return err
	}

	store, err := fsstore.New(params.storageDir)
	if err != nil {
		return err
	}

	builder := shl.NewBuilder(keyBytes, store.Upload, store.GetURL)
	builder.Load = store.Load
	builder.Remove = store.Remove
	builder.Update = store.Update

	ctx := cmdContext()
	reader := shc.NewReader()

	for _, path := range params.cardFiles {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read card file %s: %w", path, readErr)
		}
		card, cardErr := reader.FromFileContent(ctx, data)
		if cardErr != nil {
			return fmt.Errorf("parse card file %s: %w", path, cardErr)
		}
		if err := builder.AddHealthCard(ctx, card, params.compress); err != nil {
			return fmt.Errorf("add card file %s: %w", path, err)
		}
	}

	for _, path := range params.fhirFiles {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read FHIR resource file %s: %w", path, readErr)
		}
		if err := builder.AddFHIRResource(ctx, data, params.compress); err != nil {
			return fmt.Errorf("add FHIR resource file %s: %w", path, err)
		}
	}

	manifest, err := builder.BuildManifest(ctx, shl.BuildOptions{
		EmbeddedLengthMax: params.maxEmbed,
		Status:            params.status,
		Exp:               payload.Exp,
	})
	if err != nil {
		return err
	}

	uri, err := payload.ToURI()
	if err != nil {
		return err
	}

	if err := writeLine(uri, params.uriOut); err != nil {
		return err
	}

	if params.manifestOut != "" {
		data, marshalErr := json.MarshalIndent(manifest, "", "  ")
		if marshalErr != nil {
			return marshalErr
		}
		data = append(data, '\n')
		if err := os.WriteFile(params.manifestOut, data, 0o644); err != nil {
			return fmt.Errorf("write manifest file: %w", err)
		}
	}

	return nil
}

func writeLine(s, outFile string) error {
	if outFile == "" {
		_, err := fmt.Println(s)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outFile), 0o755); err != nil && filepath.Dir(outFile) != "." {
		return err
	}
	return os.WriteFile(outFile, []byte(s+"\n"), 0o644)
}

type shlResolveCmdParams struct {
	uri               string
	recipient         string
	passcode          string
	embeddedLengthMax int
	outDir            string
}

func init() {
	params := shlResolveCmdParams{}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a SMART Health Link and write out its contents",
		Long: `Resolve a SMART Health Link and write out its contents.

Fetches (and, for a passcode-protected link, unlocks) the manifest or
direct file referenced by --uri, decrypts every file, classifies each as
a SMART Health Card or a bare FHIR resource, and writes each to --out-dir
as numbered JSON files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigDefaults(cmd.Flags()); err != nil {
				return err
			}
			return doShlResolve(params)
		},
	}

	cmd.Flags().StringVar(&params.uri, "uri", "", "the shlink: URI to resolve; required")
	cmd.Flags().StringVar(&params.recipient, "recipient", "", "human-readable identification of the recipient; required")
	cmd.Flags().StringVar(&params.passcode, "passcode", "", "passcode, if the link requires one")
	cmd.Flags().IntVar(&params.embeddedLengthMax, "max-embed", 0, "requested embedding threshold (default: 16384)")
	cmd.Flags().StringVar(&params.outDir, "out-dir", ".", "directory to write resolved files into")

	shlCmd.AddCommand(cmd)
}

func doShlResolve(params shlResolveCmdParams) error {
	if params.uri == "" {
		return fmt.Errorf("--uri is required")
	}
	if params.recipient == "" {
		return fmt.Errorf("--recipient is required")
	}

	viewer, err := shl.New(params.uri, nil)
	if err != nil {
		return err
	}

	ctx := cmdContext()
	result, err := viewer.Resolve(ctx, shl.ResolveOptions{
		Recipient:         params.recipient,
		Passcode:          params.passcode,
		EmbeddedLengthMax: params.embeddedLengthMax,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(params.outDir, 0o755); err != nil {
		return err
	}

	for i, card := range result.SmartHealthCards {
		bundle, bundleErr := card.AsBundle(shc.BundleOptions{})
		if bundleErr != nil {
			return bundleErr
		}
		data, marshalErr := bundle.MarshalJSON()
		if marshalErr != nil {
			return marshalErr
		}
		path := filepath.Join(params.outDir, fmt.Sprintf("card-%d.json", i))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}

	for i, resource := range result.FHIRResources {
		data, marshalErr := json.MarshalIndent(resource, "", "  ")
		if marshalErr != nil {
			return marshalErr
		}
		path := filepath.Join(params.outDir, fmt.Sprintf("resource-%d.json", i))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}

	fmt.Printf("resolved %d health card(s) and %d FHIR resource(s) into %s\n",
		len(result.SmartHealthCards), len(result.FHIRResources), params.outDir)
	return nil
}
