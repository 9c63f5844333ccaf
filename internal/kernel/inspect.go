package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/journal"
	"github.com/Brahma-fi/brahma-connect/internal/rules"
	"github.com/Brahma-fi/brahma-connect/internal/tracker"
	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()

	headerFmt = color.New(color.FgCyan, color.Underline).SprintfFunc()
)

var RulesCMD = &cobra.Command{
	Use:   "rules",
	Short: "Print the network rules installed in a running kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")

		req := apiClient(cmd).R().SetContext(cmd.Context())
		if asYAML {
			resp, err := req.SetQueryParam("format", "yaml").Get("/rules")
			if err != nil {
				return fmt.Errorf("failed to fetch rules: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("failed to fetch rules: %s", resp.Status())
			}
			fmt.Print(resp.String())
			return nil
		}

		var installed []rules.Rule
		resp, err := req.SetResult(&installed).Get("/rules")
		if err != nil {
			return fmt.Errorf("failed to fetch rules: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("failed to fetch rules: %s", resp.Status())
		}

		tbl := table.New("ID", "Priority", "Action", "Contexts", "Filter", "Detail")
		tbl.WithHeaderFormatter(headerFmt)
		for _, r := range installed {
			tbl.AddRow(r.ID, r.Priority, r.Action.Type, formatInts(r.Condition.TabIDs), r.Condition.URLFilter, ruleDetail(r.Action))
		}
		tbl.Print()
		return nil
	},
}

var ContextsCMD = &cobra.Command{
	Use:   "contexts",
	Short: "Print the tracked browsing contexts of a running kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		var states []tracker.ContextState
		resp, err := apiClient(cmd).R().
			SetContext(cmd.Context()).
			SetResult(&states).
			Get("/contexts")
		if err != nil {
			return fmt.Errorf("failed to fetch contexts: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("failed to fetch contexts: %s", resp.Status())
		}

		tbl := table.New("Context", "Active", "Fork", "Endpoints")
		tbl.WithHeaderFormatter(headerFmt)
		for _, s := range states {
			active := red("no")
			if s.Active {
				active = green("yes")
			}
			forkURL := dim("-")
			if s.Fork != nil {
				forkURL = fmt.Sprintf("%s (%d)", s.Fork.RPCURL, s.Fork.NetworkID)
			}
			tbl.AddRow(s.ContextID, active, forkURL, formatEndpoints(s.Endpoints))
		}
		tbl.Print()
		return nil
	},
}

var JournalCMD = &cobra.Command{
	Use:   "journal",
	Short: "Print recorded checkpoints from the journal database",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			path = configs.Values.Kernel.JournalPath
		}
		if path == "" {
			return fmt.Errorf("no journal path: set --path or kernel.journal-path")
		}

		store, err := journal.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		opts := journal.ListOptions{}
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		if id, _ := cmd.Flags().GetInt("context"); id >= 0 {
			opts.ContextID = &id
		}

		checkpoints, err := store.List(cmd.Context(), opts)
		if err != nil {
			return err
		}

		tbl := table.New("Checkpoint", "Context", "To", "Value", "Status", "Tx", "Created")
		tbl.WithHeaderFormatter(headerFmt)
		for _, cp := range checkpoints {
			tbl.AddRow(
				cp.CheckpointID,
				cp.ContextID,
				cp.To,
				cp.Value,
				formatStatus(cp.Status),
				orDash(cp.TxHash),
				cp.CreatedAt.Local().Format(time.DateTime),
			)
		}
		tbl.Print()
		return nil
	},
}

// apiClient targets --addr, falling back to the configured listen address.
func apiClient(cmd *cobra.Command) *resty.Client {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = configs.Values.Kernel.ListenAddr
	}
	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		addr = "http://" + addr
	}
	return resty.New().SetBaseURL(addr).SetTimeout(10 * time.Second)
}

func ruleDetail(a rules.Action) string {
	if a.Redirect != nil {
		return "-> " + a.Redirect.URL
	}
	var ops []string
	for _, h := range a.RequestHeaders {
		ops = append(ops, "req "+string(h.Operation)+" "+h.Header)
	}
	for _, h := range a.ResponseHeaders {
		ops = append(ops, "resp "+string(h.Operation)+" "+h.Header)
	}
	return strings.Join(ops, ", ")
}

func formatEndpoints(endpoints []tracker.EndpointState) string {
	if len(endpoints) == 0 {
		return dim("-")
	}
	parts := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Resolved {
			parts = append(parts, fmt.Sprintf("%s (%d)", e.URL, e.NetworkID))
		} else {
			parts = append(parts, e.URL+" "+yellow("(pending)"))
		}
	}
	return strings.Join(parts, ", ")
}

func formatStatus(s journal.Status) string {
	switch s {
	case journal.StatusSent:
		return green(string(s))
	case journal.StatusPending:
		return yellow(string(s))
	default:
		return string(s)
	}
}

func formatInts(values []int) string {
	if len(values) == 0 {
		return dim("all")
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return dim("-")
	}
	return s
}
