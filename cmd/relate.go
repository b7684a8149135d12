package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/relation"
)

var relateCmd = &cobra.Command{
	Use:   "relate",
	Short: "Infer and list derived relationships",
}

var (
	inferProvenance string
	inferAnchor     string
	inferMembers    []string
)

var relateInferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Relate every batch member to the anchor under an inference rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.Infer(ctx, relation.Batch{
			Provenance: inferProvenance,
			Anchor:     inferAnchor,
			Members:    inferMembers,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var relateChampionsCmd = &cobra.Command{
	Use:   "champions",
	Short: "Derive champion_of from past_employer and customer_of",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.InferChampions(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var relFilter model.RelationshipFilter

var relateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List relationships",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rels, err := env.Service.Relationships(ctx, relFilter)
		if err != nil {
			return err
		}
		return printJSON(cmd, rels)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Propose, inspect and execute impact reports",
}

var retireRules string

var reportRetireCmd = &cobra.Command{
	Use:   "retire [entity-key]",
	Short: "Propose retiring an entity, or every entity matched by --rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 1) == (retireRules != "") {
			return eris.New("give exactly one of an entity key or --rules")
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var rep *model.ImpactReport
		if retireRules != "" {
			rep, err = env.Service.ProposeRetirementByRules(ctx, retireRules)
		} else {
			rep, err = env.Service.ProposeRetirement(ctx, args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var revokeProvenance string

var reportRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Propose revoking every relationship inferred under a rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Service.ProposeRevocation(ctx, revokeProvenance)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var reportMergeCmd = &cobra.Command{
	Use:   "merge <from-key> <into-key>",
	Short: "Propose merging one entity into another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Service.ProposeMerge(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var reportShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Print an impact report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Service.Report(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var reportExecuteCmd = &cobra.Command{
	Use:   "execute <report-id>",
	Short: "Apply a proposed impact report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.ExecuteReport(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	relateInferCmd.Flags().StringVar(&inferProvenance, "provenance", "", "inference rule (required)")
	relateInferCmd.Flags().StringVar(&inferAnchor, "anchor", "", "batch anchor entity (required)")
	relateInferCmd.Flags().StringSliceVar(&inferMembers, "member", nil, "batch member entity (repeatable)")
	_ = relateInferCmd.MarkFlagRequired("provenance")
	_ = relateInferCmd.MarkFlagRequired("anchor")

	f := relateListCmd.Flags()
	f.StringVar(&relFilter.SubjectKey, "subject", "", "subject entity key")
	f.StringVar(&relFilter.ObjectKey, "object", "", "object entity key")
	f.StringVar((*string)(&relFilter.Predicate), "predicate", "", "predicate")
	f.StringVar(&relFilter.Provenance, "provenance", "", "inference rule")
	f.BoolVar(&relFilter.IncludeRevoked, "include-revoked", false, "include revoked relationships")
	f.IntVar(&relFilter.Limit, "limit", 100, "maximum relationships")

	relateCmd.AddCommand(relateInferCmd, relateChampionsCmd, relateListCmd)

	reportRetireCmd.Flags().StringVar(&retireRules, "rules", "", "rule set version whose retirement rules select entities")
	reportRevokeCmd.Flags().StringVar(&revokeProvenance, "provenance", "", "inference rule (required)")
	_ = reportRevokeCmd.MarkFlagRequired("provenance")
	reportCmd.AddCommand(reportRetireCmd, reportRevokeCmd, reportMergeCmd, reportShowCmd, reportExecuteCmd)

	rootCmd.AddCommand(relateCmd, reportCmd)
}
