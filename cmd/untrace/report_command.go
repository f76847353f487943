package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/untrace/internal/analytics"
	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/delivery"
	"github.com/ongoingai/untrace/internal/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReportFormat = "text"
	reportSchemaVersion = "delivery-report.v1"
)

type deliveryReportDocument struct {
	SchemaVersion string                     `json:"schema_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	OrgID         string                     `json:"org_id"`
	ProjectID     string                     `json:"project_id"`
	WindowDays    int                        `json:"window_days"`
	Summary       deliveryReportSummary      `json:"summary"`
	Destinations  []delivery.DestinationStat `json:"destinations"`
}

type deliveryReportSummary struct {
	TotalTraces          int64   `json:"total_traces"`
	SuccessfulDeliveries int64   `json:"successful_deliveries"`
	FailedDeliveries     int64   `json:"failed_deliveries"`
	TotalDeliveries      int64   `json:"total_deliveries"`
	SuccessRate          float64 `json:"success_rate"`
	P95LatencyMS         float64 `json:"p95_trace_latency_ms"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printReportUsage(errOut)
		return 2
	}

	switch args[0] {
	case "deliveries":
		return runReportDeliveries(args[1:], out, errOut)
	default:
		printReportUsage(errOut)
		return 2
	}
}

func runReportDeliveries(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report deliveries", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	orgRaw := flagSet.String("org", "", "Organization id")
	projectRaw := flagSet.String("project", "", "Project id")
	days := flagSet.Int("days", delivery.DefaultWindowDays, fmt.Sprintf("Window in days (1-%d)", delivery.MaxWindowDays))
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report deliveries does not accept positional arguments")
		return 2
	}
	orgID, ok := requireFlag(errOut, "report deliveries", "org", *orgRaw)
	if !ok {
		return 2
	}
	projectID, ok := requireFlag(errOut, "report deliveries", "project", *projectRaw)
	if !ok {
		return 2
	}
	if *days <= 0 || *days > delivery.MaxWindowDays {
		fmt.Fprintf(errOut, "days must be between 1 and %d\n", delivery.MaxWindowDays)
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}

	ctx := context.Background()
	db, _, err := openStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeStorageWithWarning(db, errOut)

	attempts := delivery.NewSQLStore(db)
	report, err := buildDeliveryReport(
		ctx,
		delivery.NewStatsService(attempts, configstore.NewSQLStore(db, nil)),
		analytics.NewService(trace.NewStore(db)),
		orgID,
		projectID,
		*days,
	)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if normalizedFormat == "json" {
		err = writeJSONDocument(out, report)
	} else {
		err = writeDeliveryReportText(out, report)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func buildDeliveryReport(
	ctx context.Context,
	stats *delivery.StatsService,
	traces *analytics.Service,
	orgID, projectID string,
	days int,
) (deliveryReportDocument, error) {
	var (
		destinations []delivery.DestinationStat
		traceReport  *analytics.Report
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		destinations, err = stats.DeliveryStats(groupCtx, orgID, projectID, days)
		return err
	})
	group.Go(func() error {
		var err error
		traceReport, err = traces.TraceAnalytics(groupCtx, orgID, projectID, days)
		return err
	})
	if err := group.Wait(); err != nil {
		return deliveryReportDocument{}, err
	}

	summary := deliveryReportSummary{}
	if traceReport != nil {
		summary.TotalTraces = traceReport.TotalTraces
		summary.P95LatencyMS = traceReport.Latency.P95MS
	}
	for _, stat := range destinations {
		summary.SuccessfulDeliveries += stat.SuccessfulDeliveries
		summary.FailedDeliveries += stat.FailedDeliveries
		summary.TotalDeliveries += stat.TotalDeliveries
	}
	if summary.TotalDeliveries > 0 {
		summary.SuccessRate = float64(summary.SuccessfulDeliveries) / float64(summary.TotalDeliveries)
	}
	if destinations == nil {
		destinations = []delivery.DestinationStat{}
	}

	return deliveryReportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		OrgID:         orgID,
		ProjectID:     projectID,
		WindowDays:    delivery.ClampWindowDays(days),
		Summary:       summary,
		Destinations:  destinations,
	}, nil
}

func writeDeliveryReportText(out io.Writer, report deliveryReportDocument) error {
	fmt.Fprintf(out, "Delivery report for %s/%s (last %d days)\n", report.OrgID, report.ProjectID, report.WindowDays)
	fmt.Fprintf(out, "Traces: %d  Deliveries: %d  Succeeded: %d  Failed: %d  Success rate: %.1f%%\n",
		report.Summary.TotalTraces,
		report.Summary.TotalDeliveries,
		report.Summary.SuccessfulDeliveries,
		report.Summary.FailedDeliveries,
		report.Summary.SuccessRate*100,
	)
	if len(report.Destinations) == 0 {
		fmt.Fprintln(out, "No destinations configured.")
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DESTINATION\tKIND\tENABLED\tDELIVERIES\tSUCCESS\tATTEMPTS\tAVG LATENCY\tLAST DELIVERY")
	for _, stat := range report.Destinations {
		last := "-"
		if !stat.LastDeliveryAt.IsZero() {
			last = stat.LastDeliveryAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s (%s)\t%s\t%t\t%d\t%.1f%%\t%d\t%.0fms\t%s\n",
			stat.Name,
			stat.DestinationID,
			stat.Kind,
			stat.Enabled,
			stat.TotalDeliveries,
			stat.SuccessRate*100,
			stat.TotalAttempts,
			stat.AvgLatencyMS,
			last,
		)
	}
	return tw.Flush()
}

func printReportUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  untrace report deliveries --org ID --project ID [--days N] [--format text|json] [--config path/to/untrace.yaml]")
}
