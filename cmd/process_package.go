package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sagedata/sage/pkg/reader"
	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/validator"
)

var processPackageCmd = &cobra.Command{
	Use:   "process-package [flags] <archive-path> <package-doc>",
	Short: "Validate a data file against a package definition",
	Long: `Read a submitted file (or ZIP archive), decode every catalog it
carries and run the full validation pipeline: field contracts, row
rules, catalog rules and cross-catalog rules.

The database destination is never touched; this command reports the
diagnostic and exits 1 when any ERROR finding is present.`,
	Args: cobra.ExactArgs(2),
	RunE: runProcessPackage,
}

func init() {
	rootCmd.AddCommand(processPackageCmd)

	processPackageCmd.Flags().StringP("output", "o", "text", "output format (text, json, yaml)")
	processPackageCmd.Flags().String("sender", "", "sender id used to resolve {sender_id} in filename patterns")

	_ = viper.BindPFlag("process-package.output", processPackageCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("process-package.sender", processPackageCmd.Flags().Lookup("sender"))
}

func runProcessPackage(cmd *cobra.Command, args []string) error {
	log := newLogger()

	archivePath := args[0]
	packagePath := args[1]

	blob, err := os.ReadFile(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read data file: %s", archivePath)
	}

	loader := schema.NewLoader(schema.WithLogger(log))
	sch, diag := loader.Load(packagePath)
	if sch == nil {
		if err := outputDiagnostic(diag, viper.GetString("process-package.output")); err != nil {
			return err
		}
		os.Exit(1)
	}
	if len(sch.Packages) != 1 {
		return errors.Errorf("document %s defines %d packages, expected exactly one", packagePath, len(sch.Packages))
	}
	pkg := sch.Packages[0]

	senderID := viper.GetString("process-package.sender")
	fileName := filepath.Base(archivePath)

	tables, readDiag := reader.ReadPackage(sch, pkg, blob, fileName, senderID)
	diag.Merge(readDiag)
	if !diag.HasErrors() {
		diag.Merge(validator.New(log).ValidatePackage(sch, pkg, tables, time.Now()))
	}

	log.Debug("processed package", "package", pkg.Name, "findings", len(diag.Findings))

	if err := outputDiagnostic(diag, viper.GetString("process-package.output")); err != nil {
		return err
	}
	exitForDiagnostic(diag)
	return nil
}
