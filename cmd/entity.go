package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-resolver/internal/model"
)

var viewCmd = &cobra.Command{
	Use:   "view <entity-key>",
	Short: "Print the canonical view of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Service.View(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, v)
	},
}

var (
	queryDimension string
	queryValue     string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List active entities whose canonical value of a dimension matches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		keys, err := env.Service.Query(ctx, model.Dimension(queryDimension), queryValue)
		if err != nil {
			return err
		}
		return printJSON(cmd, keys)
	},
}

var dependentsCmd = &cobra.Command{
	Use:   "dependents <entity-key>",
	Short: "Count the relationships and records that reference an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Service.Dependents(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, d)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <entity-key>",
	Short: "Attempt a direct delete (always refused; use retire)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		err = env.Service.DeleteEntity(ctx, args[0])
		if cv, ok := model.AsConstraintViolation(err); ok {
			_ = printJSON(cmd, cv.Counts)
		}
		return err
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Override first-source coalescing for one entity dimension",
}

var (
	pinDimension string
	pinSource    string
)

var pinSetCmd = &cobra.Command{
	Use:   "set <entity-key>",
	Short: "Force a dimension's value to come from one source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Service.SetPin(ctx, args[0], model.Dimension(pinDimension), pinSource); err != nil {
			return eris.Wrap(err, "set pin")
		}
		return nil
	},
}

var pinClearCmd = &cobra.Command{
	Use:   "clear <entity-key>",
	Short: "Fall back to source priority order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Service.ClearPin(ctx, args[0], model.Dimension(pinDimension)); err != nil {
			return eris.Wrap(err, "clear pin")
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryDimension, "dimension", "", "dimension name (required)")
	queryCmd.Flags().StringVar(&queryValue, "value", "", "canonical value to match")
	_ = queryCmd.MarkFlagRequired("dimension")

	pinCmd.PersistentFlags().StringVar(&pinDimension, "dimension", "", "first-source dimension (required)")
	_ = pinCmd.MarkPersistentFlagRequired("dimension")
	pinSetCmd.Flags().StringVar(&pinSource, "source", "", "source to pin (required)")
	_ = pinSetCmd.MarkFlagRequired("source")
	pinCmd.AddCommand(pinSetCmd, pinClearCmd)

	rootCmd.AddCommand(viewCmd, queryCmd, dependentsCmd, deleteCmd, pinCmd)
}
