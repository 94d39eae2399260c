package cli

import (
	"context"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/execgate/internal/app"
)

func newSweepCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired token and usage rows from the SQL store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, opts, func(ctx context.Context, stores *app.Stores) error {
				return sweep(ctx, cmd.OutOrStdout(), stores, opts.jsonOutput)
			})
		},
	}
}

func sweep(ctx context.Context, w io.Writer, stores *app.Stores, asJSON bool) error {
	if stores.Sweeper == nil {
		if asJSON {
			return renderJSON(w, map[string]any{"driver": stores.Driver, "skipped": true})
		}
		return renderFields(w, "sweep", []field{
			plain("driver", stores.Driver),
			plain("result", "skipped, keys expire natively"),
		})
	}
	res, err := stores.Sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return renderJSON(w, res)
	}
	return renderFields(w, "sweep", []field{
		plain("driver", stores.Driver),
		plain("tokens", strconv.FormatInt(res.Tokens, 10)),
		plain("user requests", strconv.FormatInt(res.UserRequests, 10)),
		plain("teacher requests", strconv.FormatInt(res.TeacherAssociated, 10)),
	})
}
