package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Manage raw-to-canonical lookup tables",
}

var lookupImportCmd = &cobra.Command{
	Use:   "import <file.csv|file.xlsx>",
	Short: "Append lookup mappings from a seed file",
	Long:  "Rows are dimension,source,raw,canonical. Existing mappings are never changed; run reconcile to apply new ones to stored records.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Service.ImportLookup(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "import lookup")
		}
		return printJSON(cmd, stats)
	},
}

var (
	lookupDimension string
	lookupSource    string
)

var lookupGetCmd = &cobra.Command{
	Use:   "get <raw-value>",
	Short: "Resolve a raw value against the lookup tables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		canonical, ok, err := env.Service.Lookup(ctx, model.Dimension(lookupDimension), lookupSource, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(model.ErrLookupMiss, "%s %q", lookupDimension, args[0])
		}
		return printJSON(cmd, map[string]string{"dimension": lookupDimension, "canonical": canonical})
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage classification and retirement rule sets",
}

var rulesPublishCmd = &cobra.Command{
	Use:   "publish <rules.yaml>",
	Short: "Publish an immutable rule-set version",
	Long:  "Ingestion classifies with the version named by rules.version; run reconcile to apply a new version to stored records.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read rule set")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rs, created, err := env.Service.PublishRules(ctx, doc)
		if err != nil {
			return err
		}
		if !created {
			zap.L().Warn("rule set version already published; stored document kept", zap.String("version", rs.Version))
		}
		return printJSON(cmd, map[string]any{"version": rs.Version, "created": created})
	},
}

var reconcileVersion string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-apply lookups and a rule-set version to stored observations",
	Long:  "Resumable: an interrupted run continues from its checkpoint when started again with the same version.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		version := reconcileVersion
		if version == "" {
			version = cfg.Rules.Version
		}
		if version == "" {
			return eris.New("rule set version is required (--version or ENTITY_RULES_VERSION)")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Service.Reconcile(ctx, version)
		if run != nil {
			_ = printJSON(cmd, run)
		}
		return err
	},
}

func init() {
	lookupGetCmd.Flags().StringVar(&lookupDimension, "dimension", "", "lookup dimension (required)")
	lookupGetCmd.Flags().StringVar(&lookupSource, "source", "", "reporting source, for provider-specific tables")
	_ = lookupGetCmd.MarkFlagRequired("dimension")
	lookupCmd.AddCommand(lookupImportCmd, lookupGetCmd)

	rulesCmd.AddCommand(rulesPublishCmd)

	reconcileCmd.Flags().StringVar(&reconcileVersion, "version", "", "rule set version (default from config)")

	rootCmd.AddCommand(lookupCmd, rulesCmd, reconcileCmd)
}
