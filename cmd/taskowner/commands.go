package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/taskowner/internal/api"
	"github.com/kalambet/taskowner/internal/config"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, task and job status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client)
	},
}

func showStatus(ctx context.Context, client *apiClient) error {
	var health map[string]string
	if err := client.get(ctx, "/health", nil, &health); err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	printStatus("Server", "running")

	var st api.StatusView
	if err := client.get(ctx, "/status", nil, &st); err != nil {
		printWarning("could not read status: %v", err)
		return nil
	}
	printStatus("Tenants", "%d", st.Tenants)
	for _, s := range []storage.TaskStatus{
		storage.StatusPendingOwner,
		storage.StatusOwned,
		storage.StatusCompleted,
		storage.StatusEscalated,
	} {
		printStatus("Tasks "+string(s), "%d", st.Tasks[string(s)])
	}
	for _, s := range []string{storage.JobPending, storage.JobRunning, storage.JobFailed} {
		printStatus("Jobs "+s, "%d", st.Jobs[s])
	}
	return nil
}

// --- tenants ---

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants",
}

var tenantsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or update tenants from an onboarding file",
	Long: `Create or update tenants from an onboarding file.

The file holds secret references (env:NAME, file:/path, keychain:service/account),
never secret values. A running server is asked to reload each imported tenant.

Example:
  taskowner tenants import ./tenants.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening tenant file: %w", err)
		}
		defer f.Close()

		tenants, err := tenant.ParseFile(f)
		if err != nil {
			return err
		}
		if len(tenants) == 0 {
			printWarning("no tenants in %s", args[0])
			return nil
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		for _, t := range tenants {
			if err := store.UpsertTenant(t); err != nil {
				return fmt.Errorf("saving tenant %s: %w", t.ID, err)
			}
			printSuccess("Imported tenant %s (%s)", t.ID, t.Name)
		}

		client, err := newAPIClient()
		if err != nil {
			printWarning("server not notified: %v", err)
			return nil
		}
		for _, t := range tenants {
			if err := client.post(cmd.Context(), "/tenants/"+url.PathEscape(t.ID)+"/reload", nil, nil); err != nil {
				printWarning("server did not reload %s (it loads tenants on start): %v", t.ID, err)
				break
			}
		}
		return nil
	},
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tenants, err := store.ListTenants()
		if err != nil {
			return err
		}
		if len(tenants) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tenants configured.")
			return nil
		}
		return writeTenants(cmd.OutOrStdout(), tenants)
	},
}

func writeTenants(out io.Writer, tenants []storage.Tenant) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCHAT WORKSPACE\tTRACKER WORKSPACE\tWEBHOOK")
	for _, t := range tenants {
		webhook := "waiting for handshake"
		if t.WebhookSecret != "" {
			webhook = "ready"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.ChatWorkspaceID, t.TrackerWorkspaceID, webhook)
	}
	return tw.Flush()
}

var tenantsResetWebhookCmd = &cobra.Command{
	Use:   "reset-webhook <tenant-id>",
	Short: "Forget the tracker webhook secret so a new webhook can handshake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.delete(cmd.Context(), "/tenants/"+url.PathEscape(args[0])+"/webhook-secret", nil); err != nil {
			return err
		}
		printSuccess("Webhook secret cleared for %s", args[0])
		return nil
	},
}

func init() {
	tenantsCmd.AddCommand(tenantsImportCmd)
	tenantsCmd.AddCommand(tenantsListCmd)
	tenantsCmd.AddCommand(tenantsResetWebhookCmd)
}

var openStore = func() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and escalate tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks, newest first.

Examples:
  taskowner tasks list --status PENDING_OWNER
  taskowner tasks list --tenant acme --owner U0123 --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"tenant", "status", "owner"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var tasks []api.TaskView
		if err := client.get(cmd.Context(), "/tasks", q, &tasks); err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}
		return writeTasks(cmd.OutOrStdout(), tasks)
	},
}

func writeTasks(out io.Writer, tasks []api.TaskView) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, t := range tasks {
		owner := t.OwnerChatID
		if owner == "" {
			owner = "-"
		}
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.Format("2006-01-02")
		}
		name := t.Name
		if len(name) > 60 {
			name = name[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			colorize(colorBold, t.ID),
			t.TenantID,
			colorize(statusColor(t.Status), t.Status),
			owner,
			due,
			name,
		)
	}
	return tw.Flush()
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its follow-ups and accumulated context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var task api.TaskView
		if err := client.get(cmd.Context(), "/tasks/"+url.PathEscape(args[0]), nil, &task); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), task)
	},
}

var tasksEscalateCmd = &cobra.Command{
	Use:   "escalate <task-id>",
	Short: "Hand a task to the tenant administrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out api.OutcomeView
		if err := client.post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/escalate", map[string]string{"reason": reason}, &out); err != nil {
			return fmt.Errorf("task %s not escalated: %w", args[0], err)
		}
		printSuccess("Escalated %s: %s", out.TaskID, out.Message)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("tenant", "", "only tasks of this tenant")
	tasksListCmd.Flags().String("status", "", "only tasks in this status (PENDING_OWNER, OWNED, COMPLETED, ESCALATED)")
	tasksListCmd.Flags().String("owner", "", "only tasks owned by this chat user id")
	tasksListCmd.Flags().Int("limit", 0, "maximum number of tasks to list (server default 50)")
	tasksEscalateCmd.Flags().String("reason", "", "note shown to the administrator")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksEscalateCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			printSuccess("Stored secret %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
