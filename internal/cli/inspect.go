package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/execgate/internal/app"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/repository"
)

const timeLayout = time.RFC3339

func newInspectCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "inspect", Short: "Read gate state for a token or principal"}
	cmd.AddCommand(newInspectTokenCommand(opts))
	cmd.AddCommand(newInspectPrincipalCommand(opts))
	return cmd
}

func newInspectTokenCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token <session-id>",
		Short: "Show the ledger record of a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, opts, func(ctx context.Context, stores *app.Stores) error {
				return inspectToken(ctx, cmd.OutOrStdout(), stores, args[0], opts.jsonOutput)
			})
		},
	}
}

type principalFlags struct {
	issuer  string
	user    string
	teacher string
}

func newInspectPrincipalCommand(opts *options) *cobra.Command {
	flags := &principalFlags{}
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Show block state and recent usage of a user or classroom",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.principal()
			if err != nil {
				return err
			}
			return withStores(cmd, opts, func(ctx context.Context, stores *app.Stores) error {
				return inspectPrincipal(ctx, cmd.OutOrStdout(), stores, p, opts.clock.Now(), opts.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&flags.issuer, "iss", "", "token issuer (namespace)")
	cmd.Flags().StringVar(&flags.user, "user", "", "user id")
	cmd.Flags().StringVar(&flags.teacher, "teacher", "", "verified teacher id (classroom)")
	_ = cmd.MarkFlagRequired("iss")
	cmd.MarkFlagsOneRequired("user", "teacher")
	cmd.MarkFlagsMutuallyExclusive("user", "teacher")
	return cmd
}

func (f *principalFlags) principal() (domain.Principal, error) {
	switch {
	case f.issuer == "":
		return domain.Principal{}, errors.New("--iss is required")
	case f.user != "" && f.teacher != "":
		return domain.Principal{}, errors.New("--user and --teacher are mutually exclusive")
	case f.user != "":
		return domain.UserPrincipal(f.issuer, f.user), nil
	case f.teacher != "":
		return domain.ClassroomPrincipal(f.issuer, f.teacher), nil
	default:
		return domain.Principal{}, errors.New("one of --user or --teacher is required")
	}
}

func inspectToken(ctx context.Context, w io.Writer, stores *app.Stores, sid string, asJSON bool) error {
	rec, err := stores.Ledger.Get(ctx, sid)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return fmt.Errorf("token %s: not found or expired", sid)
	}
	if err != nil {
		return fmt.Errorf("token %s: %w", sid, err)
	}
	if asJSON {
		return renderJSON(w, rec)
	}
	fields := []field{
		plain("token id", rec.TokenID),
		plain("created", rec.CreatedAt.UTC().Format(timeLayout)),
		plain("expires", rec.ExpiresAt.UTC().Format(timeLayout)),
		status("vetted", rec.Vetted, "yes", "no"),
		status("used", rec.Used, "yes", "no"),
	}
	if warning := rec.Warning(); warning != nil {
		fields = append(fields, plain("warning", warning.Kind+" "+warning.Detail))
	}
	return renderFields(w, "session token", fields)
}

type principalReport struct {
	Kind        domain.PrincipalKind `json:"kind"`
	Namespace   string               `json:"namespace"`
	ID          string               `json:"id"`
	BlockKey    string               `json:"block_key"`
	UsageKey    string               `json:"usage_key"`
	Block       *domain.BlockRecord  `json:"block,omitempty"`
	LastHour    int                  `json:"requests_last_hour"`
	LastDay     int                  `json:"requests_last_day"`
	LastRequest *time.Time           `json:"last_request,omitempty"`
}

func inspectPrincipal(ctx context.Context, w io.Writer, stores *app.Stores, p domain.Principal, now time.Time, asJSON bool) error {
	report := principalReport{
		Kind:      p.Kind,
		Namespace: p.Namespace,
		ID:        p.ID,
		BlockKey:  p.BlockKey(),
		UsageKey:  p.UsageKey(),
	}
	block, err := stores.Blocks.Find(ctx, p.BlockKey())
	switch {
	case errors.Is(err, repository.ErrBlockNotFound):
	case err != nil:
		return fmt.Errorf("find block: %w", err)
	default:
		report.Block = block
	}

	usage := stores.Users
	if p.Kind == domain.PrincipalClassroom {
		usage = stores.Classrooms
	}
	hour, err := usage.CountSince(ctx, p.UsageKey(), now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("count hourly usage: %w", err)
	}
	day, err := usage.CountSince(ctx, p.UsageKey(), now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("count daily usage: %w", err)
	}
	report.LastHour, report.LastDay = hour.Count, day.Count
	if !day.Truncated && len(day.IssuedAt) > 0 {
		last := day.IssuedAt[len(day.IssuedAt)-1].UTC()
		report.LastRequest = &last
	}

	if asJSON {
		return renderJSON(w, report)
	}
	fields := []field{
		plain("kind", string(report.Kind)),
		plain("namespace", report.Namespace),
		plain("id", report.ID),
		status("blocked", report.Block != nil, "yes", "no"),
	}
	if report.Block != nil {
		fields = append(fields,
			plain("block reason", string(report.Block.Reason)),
			plain("blocked at", report.Block.CreatedAt.UTC().Format(timeLayout)),
		)
	}
	fields = append(fields,
		plain("requests last hour", strconv.Itoa(report.LastHour)),
		plain("requests last day", strconv.Itoa(report.LastDay)),
	)
	if report.LastRequest != nil {
		fields = append(fields, plain("last request", report.LastRequest.Format(timeLayout)))
	}
	return renderFields(w, string(report.Kind)+" principal", fields)
}
