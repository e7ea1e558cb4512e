package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue occupancy",
	Run: func(cmd *cobra.Command, args []string) {
		data, status, err := apiRequest(http.MethodGet, "/api/v1/stats", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return
		}
		var st struct {
			Pending            int   `json:"pending"`
			Syncing            int   `json:"syncing"`
			Failed             int   `json:"failed"`
			Total              int   `json:"total"`
			OldestPendingAgeMs int64 `json:"oldest_pending_age_ms"`
		}
		if err := json.Unmarshal(data, &st); err != nil {
			printJSON(data)
			return
		}
		fmt.Printf("pending: %d\nsyncing: %d\nfailed: %d\ntotal: %d\n", st.Pending, st.Syncing, st.Failed, st.Total)
		if st.OldestPendingAgeMs > 0 {
			fmt.Printf("oldest pending: %dms\n", st.OldestPendingAgeMs)
		}
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show engine health: breaker, budget, dead letters, recovery counters",
	Run: func(cmd *cobra.Command, args []string) {
		data, status, err := apiRequest(http.MethodGet, "/api/v1/health", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Trigger a queue processing run",
	Run: func(cmd *cobra.Command, args []string) {
		data, status, err := apiRequest(http.MethodPost, "/api/v1/process", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

var (
	enqueueType     string
	enqueueTable    string
	enqueueRecord   string
	enqueueScope    string
	enqueuePayload  string
	enqueuePriority int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue one operation",
	Run: func(cmd *cobra.Command, args []string) {
		req := map[string]interface{}{
			"type":      enqueueType,
			"table":     enqueueTable,
			"record_id": enqueueRecord,
			"scope_id":  enqueueScope,
			"priority":  enqueuePriority,
		}
		if enqueuePayload != "" {
			req["payload"] = json.RawMessage(enqueuePayload)
		}
		data, status, err := apiRequest(http.MethodPost, "/api/v1/operations", req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "Manage the dead letter store",
}

var deadlettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		data, status, err := apiRequest(http.MethodGet, "/api/v1/deadletters", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

var deadlettersRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Replay one dead letter entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, status, err := apiRequest(http.MethodPost, "/api/v1/deadletters/"+args[0]+"/retry", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

var deadlettersClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard all dead letter entries",
	Run: func(cmd *cobra.Command, args []string) {
		data, status, err := apiRequest(http.MethodDelete, "/api/v1/deadletters", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-queue all failed operations with reset attempt counters",
	Run: func(cmd *cobra.Command, args []string) {
		data, status, err := apiRequest(http.MethodPost, "/api/v1/retry-failed", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online <true|false>",
	Short: "Set connectivity state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		online := args[0] == "true"
		data, status, err := apiRequest(http.MethodPost, "/api/v1/online", map[string]bool{"online": online})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitOnError(data, status)
		printJSON(data)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "upsert", "Operation type: upsert or delete")
	enqueueCmd.Flags().StringVar(&enqueueTable, "table", "", "Target table")
	enqueueCmd.Flags().StringVar(&enqueueRecord, "record", "", "Record id")
	enqueueCmd.Flags().StringVar(&enqueueScope, "scope", "", "Project scope id")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload for upserts")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "Priority, higher first")

	deadlettersCmd.AddCommand(deadlettersListCmd, deadlettersRetryCmd, deadlettersClearCmd)

	addClientFlags(statsCmd, healthCmd, processCmd, enqueueCmd,
		deadlettersListCmd, deadlettersRetryCmd, deadlettersClearCmd,
		retryFailedCmd, onlineCmd)

	rootCmd.AddCommand(statsCmd, healthCmd, processCmd, enqueueCmd, deadlettersCmd, retryFailedCmd, onlineCmd)
}
