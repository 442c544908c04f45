package cmd

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sagedata/sage/pkg/gate"
	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

var validateSenderCmd = &cobra.Command{
	Use:   "validate-sender [flags] <sender-doc> <package-name>",
	Short: "Check whether a sender may submit a package",
	Long: `Run the sender gate only: identity, package authorization, intake
channel, deadline window and channel credentials. Nothing is read or
validated beyond the sender roster.`,
	Args: cobra.ExactArgs(2),
	RunE: runValidateSender,
}

func init() {
	rootCmd.AddCommand(validateSenderCmd)

	validateSenderCmd.Flags().StringP("output", "o", "text", "output format (text, json, yaml)")
	validateSenderCmd.Flags().String("sender", "", "sender id of the submission (required)")
	validateSenderCmd.Flags().String("channel", schema.ChannelFilesystem, "intake channel (sftp, email, api, filesystem, direct_upload)")
	validateSenderCmd.Flags().String("api-key", "", "api key presented by the submission")
	validateSenderCmd.Flags().String("envelope-sender", "", "envelope sender of an email submission")
	validateSenderCmd.Flags().String("source-host", "", "source host of an sftp submission")

	_ = validateSenderCmd.MarkFlagRequired("sender")

	_ = viper.BindPFlag("validate-sender.output", validateSenderCmd.Flags().Lookup("output"))
}

func runValidateSender(cmd *cobra.Command, args []string) error {
	log := newLogger()

	senderDoc := args[0]
	packageName := args[1]

	data, err := os.ReadFile(senderDoc)
	if err != nil {
		return errors.Wrapf(err, "failed to read sender document: %s", senderDoc)
	}

	loader := schema.NewLoader(schema.WithLogger(log))
	sch, diag := loader.LoadDocuments(schema.Document{Source: senderDoc, Data: data})
	if sch == nil {
		if err := outputDiagnostic(diag, viper.GetString("validate-sender.output")); err != nil {
			return err
		}
		os.Exit(1)
	}

	senderID, _ := cmd.Flags().GetString("sender")
	channel, _ := cmd.Flags().GetString("channel")
	apiKey, _ := cmd.Flags().GetString("api-key")
	envelope, _ := cmd.Flags().GetString("envelope-sender")
	sourceHost, _ := cmd.Flags().GetString("source-host")

	sub := &types.Submission{
		SenderID:    senderID,
		PackageName: packageName,
		Channel:     channel,
		ReceivedAt:  time.Now(),
		Credentials: types.Credentials{
			APIKey:         apiKey,
			EnvelopeSender: envelope,
			SourceHost:     sourceHost,
		},
	}

	diag.Merge(gate.New(log).Check(sch, sub))

	if err := outputDiagnostic(diag, viper.GetString("validate-sender.output")); err != nil {
		return err
	}
	exitForDiagnostic(diag)
	return nil
}
