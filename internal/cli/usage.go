package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telemetry-tap/internal/config"
	"github.com/telhawk-systems/telemetry-tap/internal/output"
	"github.com/telhawk-systems/telemetry-tap/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show per-user daily usage counters from Redis",
	Example: `  tap usage
  tap usage --date 20250115 --user alice --output yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		redisURL, _ := cmd.Flags().GetString("redis-url")
		if redisURL == "" {
			redisURL = cfg.Redis.URL
		}
		date, _ := cmd.Flags().GetString("date")
		if date == "" {
			date = usage.Day(time.Now())
		}
		user, _ := cmd.Flags().GetString("user")

		client, err := usage.NewClient(cmd.Context(), redisURL, cfg.Usage.TTL)
		if err != nil {
			return err
		}
		defer client.Close()

		report, err := dailyUsage(cmd, client, date, user)
		if err != nil {
			return err
		}

		p := printerFor(cmd)
		format, _ := cmd.Flags().GetString("output")
		return p.Render(format, report, func() { printUsage(p, date, report) })
	},
}

func init() {
	usageCmd.Flags().String("date", "", "day to report (YYYYMMDD, default: today UTC)")
	usageCmd.Flags().String("user", "", "only this user")
	usageCmd.Flags().String("redis-url", "", "redis URL (default: redis.url from config)")
	outputFlag(usageCmd)
	rootCmd.AddCommand(usageCmd)
}

func dailyUsage(cmd *cobra.Command, client *usage.Client, date, user string) ([]*usage.DailyUsage, error) {
	users := []string{user}
	if user == "" {
		var err error
		if users, err = client.ListUsers(cmd.Context(), date); err != nil {
			return nil, err
		}
		sort.Strings(users)
	}

	report := make([]*usage.DailyUsage, 0, len(users))
	for _, u := range users {
		du, err := client.GetDailyUsage(cmd.Context(), u, date)
		if err != nil {
			return nil, fmt.Errorf("usage of %s: %w", u, err)
		}
		report = append(report, du)
	}
	return report, nil
}

func printUsage(p *output.Printer, date string, report []*usage.DailyUsage) {
	if len(report) == 0 {
		p.Warn("No usage recorded for %s", date)
		return
	}
	table := output.NewTable("USER", "EVENTS", "TOP EVENT", "CLIENT IPS")
	for _, du := range report {
		top := ""
		if counts := sortedCounts(du.ByType); len(counts) > 0 {
			top = fmt.Sprintf("%s (%d)", counts[0].key, counts[0].n)
		}
		ips := append([]string(nil), du.ClientIPs...)
		sort.Strings(ips)
		table.AddRow(du.User, strconv.FormatInt(du.TotalEvents, 10), top, strings.Join(ips, ","))
	}
	table.Render(p)
}
