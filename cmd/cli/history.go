package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/gapscan/internal/report"
)

var (
	historyLimit int
	historyPorts bool
)

var historyCmd = &cobra.Command{
	Use:   "history <target>",
	Short: "Show recent scans of a target from the SQL sink",
	Example: `  gapscan history 192.0.2.10
  gapscan history db01.example.net --limit 5 --ports`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "number of scans to show")
	historyCmd.Flags().BoolVar(&historyPorts, "ports", false, "list the open ports of the latest scan")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	db, err := report.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	scans, err := db.Recent(ctx, args[0], historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(scans) == 0 {
		fmt.Fprintf(out, "No scans of %s recorded.\n", args[0])
		return nil
	}
	if err := renderScans(out, scans); err != nil {
		return err
	}
	if !historyPorts {
		return nil
	}

	rows, err := db.Ports(ctx, scans[0].ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nOpen ports of scan %s:\n", scans[0].ID)
	return renderPorts(out, rows)
}

func renderScans(w io.Writer, scans []report.ScanRow) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Started", "Protocol", "Duration", "Fast", "Exhaustive", "Missed", "OS", "Status")
	for _, s := range scans {
		if err := table.Append([]string{
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.Protocol,
			(time.Duration(s.DurationMS) * time.Millisecond).String(),
			strconv.Itoa(s.FastCount),
			strconv.Itoa(s.ExhaustiveCount),
			strconv.Itoa(s.AnomalyCount),
			s.OSFamily,
			scanStatus(s),
		}); err != nil {
			return fmt.Errorf("render scans: %w", err)
		}
	}
	return table.Render()
}

func renderPorts(w io.Writer, rows []report.PortRow) error {
	table := tablewriter.NewWriter(w)
	table.Header("Port", "Source", "Anomaly", "Service", "Product", "Version")
	for _, p := range rows {
		anomaly := ""
		if p.Anomaly {
			anomaly = "yes"
		}
		if err := table.Append([]string{
			fmt.Sprintf("%d/%s", p.Port, p.Protocol),
			p.Source,
			anomaly,
			p.Service,
			p.Product,
			p.Version,
		}); err != nil {
			return fmt.Errorf("render ports: %w", err)
		}
	}
	return table.Render()
}

func scanStatus(s report.ScanRow) string {
	switch {
	case s.Error != "":
		return "failed"
	case s.Partial:
		return "partial"
	case s.Empty:
		return "empty"
	default:
		return "completed"
	}
}
