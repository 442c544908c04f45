package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sagedata/sage/pkg/logger"
	"github.com/sagedata/sage/pkg/types"
)

// newLogger builds the command logger honoring --debug and --verbose.
func newLogger() *logger.Logger {
	if viper.GetBool("debug") {
		return logger.NewWithLevel(slog.LevelDebug)
	}
	if viper.GetBool("verbose") {
		return logger.NewWithLevel(slog.LevelInfo)
	}
	return logger.NewWithLevel(slog.LevelWarn)
}

// outputDiagnostic renders the findings in the requested format.
func outputDiagnostic(diag *types.Diagnostic, format string) error {
	switch format {
	case "json":
		return outputJSON(diag)
	case "yaml":
		return outputYAML(diag)
	case "text":
		return outputText(diag)
	default:
		return errors.Errorf("unsupported output format: %s", format)
	}
}

func outputJSON(diag *types.Diagnostic) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]interface{}{
		"status":   diag.Status(),
		"summary":  diag.Summarize(),
		"findings": diag.Findings,
	})
}

func outputYAML(diag *types.Diagnostic) error {
	encoder := yaml.NewEncoder(os.Stdout)
	defer encoder.Close()
	return encoder.Encode(map[string]interface{}{
		"status":   diag.Status().String(),
		"findings": diag.Findings,
	})
}

func outputText(diag *types.Diagnostic) error {
	if len(diag.Findings) == 0 {
		fmt.Println("No findings.")
		return nil
	}

	for _, finding := range diag.Findings {
		fmt.Println(finding.String())
		if finding.ObservedValue != "" {
			fmt.Printf("  observed: %s\n", finding.ObservedValue)
		}
	}
	fmt.Println()
	fmt.Printf("Summary: %s\n", diag.Summarize())
	return nil
}

// exitForDiagnostic terminates with code 1 when the diagnostic carries
// any ERROR finding. Usage and IO problems exit with code 2 via main.
func exitForDiagnostic(diag *types.Diagnostic) {
	if diag.HasErrors() {
		os.Exit(1)
	}
}
