package main

import (
	"context"
	"crypto/elliptic"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func cmdContext() context.Context {
	return context.Background()
}

func ellipticP256() elliptic.Curve {
	return elliptic.P256()
}

// applyConfigDefaults fills in any flag in fs the user didn't pass
// explicitly from the --config file loaded into viper, keyed by flag
// name. Flags set on the command line always win.
func applyConfigDefaults(fs *pflag.FlagSet) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if firstErr != nil || f.Changed || !viper.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, viper.GetString(f.Name)); err != nil {
			firstErr = fmt.Errorf("apply --config value for %s: %w", f.Name, err)
		}
	})
	return firstErr
}
