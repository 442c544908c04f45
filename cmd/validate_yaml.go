package cmd

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sagedata/sage/pkg/schema"
)

var validateYAMLCmd = &cobra.Command{
	Use:   "validate-yaml [flags] <path> <kind>",
	Short: "Structurally validate a configuration document",
	Long: `Validate one YAML configuration document against its document
contract. Kind must be one of: catalog, package, sender.

Secrets of the form {{NAME}} are resolved from the environment before
parsing; a referenced catalog path is resolved relative to the
document.`,
	Args: cobra.ExactArgs(2),
	RunE: runValidateYAML,
}

func init() {
	rootCmd.AddCommand(validateYAMLCmd)

	validateYAMLCmd.Flags().StringP("output", "o", "text", "output format (text, json, yaml)")

	_ = viper.BindPFlag("validate-yaml.output", validateYAMLCmd.Flags().Lookup("output"))
}

func runValidateYAML(cmd *cobra.Command, args []string) error {
	log := newLogger()

	path := args[0]
	kind := strings.ToLower(args[1])
	switch kind {
	case schema.KindCatalog, schema.KindPackage, schema.KindSender:
	default:
		return errors.Errorf("unsupported document kind %q (expected catalog, package or sender)", args[1])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read document: %s", path)
	}

	loader := schema.NewLoader(schema.WithLogger(log))
	diag := loader.ValidateDocument(schema.Document{Source: path, Data: data}, kind)

	if err := outputDiagnostic(diag, viper.GetString("validate-yaml.output")); err != nil {
		return err
	}
	exitForDiagnostic(diag)
	return nil
}
