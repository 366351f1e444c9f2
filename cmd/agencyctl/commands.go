package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/service/period"
	"agencyops/internal/service/retainer"
	"agencyops/pkg/rbac"
	"agencyops/pkg/util"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// 命令行以 admin 身份执行
var operator = model.Actor{Role: rbac.RoleAdmin}

var (
	flagSite   string
	flagYear   int
	flagMonth  int
	flagClient string
	flagLimit  int
	flagTTL    time.Duration
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Maintenance task generation",
}

var maintenanceGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate this month's maintenance tasks for one site or every due site",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			out := cmd.OutOrStdout()
			if flagSite != "" {
				siteID, err := uuid.Parse(flagSite)
				if err != nil {
					return fmt.Errorf("invalid --site: %w", err)
				}
				res, err := a.maintenance.GenerateForSite(cmd.Context(), siteID)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(out, res)
				}
				if res == nil {
					fmt.Fprintln(out, "No tasks generated")
					return nil
				}
				fmt.Fprintf(out, "%s (%s): %d created, %d abandoned\n", res.SiteName, res.Period, res.TasksCreated, res.TasksAbandoned)
				return nil
			}

			summary, err := a.maintenance.GenerateAllDue(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(out, summary)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SITE\tPERIOD\tCREATED\tABANDONED")
			for _, r := range summary.Results {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.SiteName, r.Period, r.TasksCreated, r.TasksAbandoned)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d sites, %d tasks created, %d abandoned\n",
				summary.TotalSitesProcessed, summary.TotalTasksCreated, summary.TotalTasksAbandoned)
			for _, e := range summary.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			return nil
		})
	},
}

var maintenanceUpcomingCmd = &cobra.Command{
	Use:   "upcoming <site-id>",
	Short: "Show the next maintenance period and due date for a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		siteID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid site id: %w", err)
		}
		return withApp(cmd, func(a *app) error {
			up, err := a.maintenance.Upcoming(cmd.Context(), siteID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, up)
			}
			if up == nil {
				fmt.Fprintln(out, "Site has no maintenance plan")
				return nil
			}
			last := "never"
			if up.LastGenerated != nil {
				last = up.LastGenerated.Format(period.KeyLayout)
			}
			fmt.Fprintf(out, "next period: %s\ndue: %s\nlast generated: %s\n",
				up.NextPeriod, up.NextDueDate.Format(time.RFC3339), last)
			return nil
		})
	},
}

var retainersCmd = &cobra.Command{
	Use:   "retainers",
	Short: "Retainer usage",
}

var retainersReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report retainer usage for a month (defaults to the current month to date)",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := reportPeriod(time.Now())
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app) error {
			out := cmd.OutOrStdout()
			if flagClient != "" {
				clientID, err := uuid.Parse(flagClient)
				if err != nil {
					return fmt.Errorf("invalid --client: %w", err)
				}
				st, err := a.retainer.Status(cmd.Context(), clientID, p)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(out, st)
				}
				return printRetainers(out, []retainer.Status{*st})
			}

			statuses, err := a.retainer.All(cmd.Context(), p)
			if err != nil {
				return err
			}
			retainer.SortBySeverity(statuses)
			if flagJSON {
				return printJSON(out, map[string]interface{}{
					"retainers": statuses,
					"period":    p,
					"summary":   retainer.Summarize(statuses),
				})
			}
			if err := printRetainers(out, statuses); err != nil {
				return err
			}
			s := retainer.Summarize(statuses)
			fmt.Fprintf(out, "\n%d clients: %d exceeded, %d critical, %d warning, %d healthy\n",
				s.Total, s.Exceeded, s.Critical, s.Warning, s.Healthy)
			return nil
		})
	},
}

// reportPeriod --year 和 --month 需同时给出，否则为本月至今
func reportPeriod(now time.Time) (period.Period, error) {
	if flagYear == 0 && flagMonth == 0 {
		return period.CurrentMonth(now), nil
	}
	if flagYear == 0 || flagMonth == 0 {
		return period.Period{}, fmt.Errorf("--year and --month must be given together")
	}
	if flagMonth < 1 || flagMonth > 12 {
		return period.Period{}, fmt.Errorf("--month must be between 1 and 12")
	}
	return period.Month(flagYear, flagMonth-1), nil
}

var milestonesCmd = &cobra.Command{
	Use:   "milestones",
	Short: "Milestone billing",
}

var milestonesUnbilledCmd = &cobra.Command{
	Use:   "unbilled",
	Short: "List milestones that were triggered but not invoiced yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			items, err := a.billing.ListUnbilled(cmd.Context(), operator)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, items)
			}
			var total int64
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tPROJECT\tMILESTONE\tAMOUNT\tTRIGGERED")
			for _, m := range items {
				total += m.BillingAmountCents
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ClientName, m.ProjectName, m.Name,
					formatCents(m.BillingAmountCents), m.TriggeredAt.Format("2006-01-02"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d milestones, %s total\n", len(items), formatCents(total))
			return nil
		})
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Retainer alerts",
}

var alertsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Send retainer alerts for clients at or above 80% of their hours this month",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			svc, closeFn, err := a.alerts(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.Check(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "%d clients checked, %d alerts sent\n", res.ClientsChecked, res.AlertsSent)
			for _, e := range res.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			return nil
		})
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Outbox maintenance",
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move failed outbox events back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		return withApp(cmd, func(a *app) error {
			n, err := a.outbox.ResetFailed(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d events requeued\n", n)
			return nil
		})
	},
}

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List outbox events that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		return withApp(cmd, func(a *app) error {
			events, err := a.outbox.GetFailedEvents(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, events)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROUTING KEY\tAGGREGATE\tRETRIES\tCREATED")
			for _, e := range events {
				fmt.Fprintf(w, "%d\t%s\t%s/%s\t%d\t%s\n", e.ID, e.RoutingKey, e.AggregateType, e.AggregateID,
					e.RetryCount, e.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Access tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <user-id>",
	Short: "Issue an access token for an active user (for scripts and local testing)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		return withApp(cmd, func(a *app) error {
			if a.jwtSecret == "" {
				return fmt.Errorf("JWT secret is not configured")
			}
			u, err := a.users.GetUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if !u.IsActive {
				return fmt.Errorf("user %s is deactivated", u.Email)
			}
			if !rbac.ValidRole(u.Role) {
				return fmt.Errorf("user %s has unknown role %q", u.Email, u.Role)
			}
			ttl := a.jwtTTL
			if flagTTL > 0 {
				ttl = flagTTL
			}
			token, err := util.GenerateJWT(u.ID, u.Email, u.Role, a.jwtSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

func init() {
	maintenanceGenerateCmd.Flags().StringVar(&flagSite, "site", "", "only generate for this site ID")
	retainersReportCmd.Flags().IntVar(&flagYear, "year", 0, "report year")
	retainersReportCmd.Flags().IntVar(&flagMonth, "month", 0, "report month (1-12)")
	retainersReportCmd.Flags().StringVar(&flagClient, "client", "", "only report this client ID")
	outboxRequeueCmd.Flags().IntVar(&flagLimit, "limit", 100, "maximum events to requeue")
	outboxFailedCmd.Flags().IntVar(&flagLimit, "limit", 100, "maximum events to list")
	tokenIssueCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime (defaults to jwt.ttl)")
}

func printRetainers(out io.Writer, statuses []retainer.Status) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tUSED\tALLOCATED\tREMAINING\tPERCENT\tSTATUS")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%.2fh\t%.2fh\t%.2fh\t%.2f%%\t%s\n",
			s.ClientName, s.UsedHours, s.AllocatedHours, s.RemainingHours, s.PercentUsed, s.Status)
	}
	return w.Flush()
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}
