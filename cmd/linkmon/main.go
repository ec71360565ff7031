// linkmon queries the Link Event Log and inspects preserved-state blobs
// captured from a running linkctl instance.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/x2e/lora-link/internal/audit"
	"github.com/x2e/lora-link/internal/preserved"
)

var (
	dbPath string

	rootCmd = &cobra.Command{
		Use:   "linkmon",
		Short: "Inspect the LoRaWAN link controller's event log and preserved state",
		Long:  "Query the Link Event Log (joins, sends, provisioning) and decode preserved-state blobs saved across deep sleep.",
	}

	joinsCmd = &cobra.Command{
		Use:   "joins",
		Short: "List recent join attempts",
		RunE:  runJoins,
	}

	sendsCmd = &cobra.Command{
		Use:   "sends",
		Short: "List recent send outcomes",
		RunE:  runSends,
	}

	provisioningCmd = &cobra.Command{
		Use:   "provisioning",
		Short: "List recent provisioning steps",
		RunE:  runProvisioning,
	}

	preservedCmd = &cobra.Command{
		Use:   "preserved <file>",
		Short: "Decode a preserved-state blob saved across deep sleep",
		Args:  cobra.ExactArgs(1),
		RunE:  runPreserved,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/linkctl/audit.db", "Path to the audit event log database")
	rootCmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "Maximum number of rows to show")

	rootCmd.AddCommand(joinsCmd)
	rootCmd.AddCommand(sendsCmd)
	rootCmd.AddCommand(provisioningCmd)
	rootCmd.AddCommand(preservedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*audit.DB, error) {
	db, err := audit.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %q: %w", dbPath, err)
	}
	return db, nil
}

func runJoins(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentJoinAttempts(limit)
	if err != nil {
		return fmt.Errorf("failed to query join attempts: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tDEV_EUI\tBAND\tSUCCESS\tRETRY")
	for _, a := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n",
			a.Timestamp.Format("2006-01-02 15:04:05"), a.DevEui, a.Band, a.Success, a.RetryCount)
	}
	return w.Flush()
}

func runSends(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentSendOutcomes(limit)
	if err != nil {
		return fmt.Errorf("failed to query send outcomes: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEV_EUI\tFPORT\tCONFIRMED\tACKED\tRETRY\tFAIL_COUNT")
	for _, o := range rows {
		fmt.Fprintf(w, "%s\t%d\t%v\t%v\t%d\t%d\n",
			o.DevEui, o.FPort, o.Confirmed, o.Acked, o.RetryCount, o.FailCount)
	}
	return w.Flush()
}

func runProvisioning(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentProvisioningSteps(limit)
	if err != nil {
		return fmt.Errorf("failed to query provisioning steps: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEV_EUI\tSTEP\tSUCCESS\tDETAIL")
	for _, s := range rows {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", s.DevEui, s.Step, s.Success, s.Detail)
	}
	return w.Flush()
}

func runPreserved(cmd *cobra.Command, args []string) error {
	buf, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read preserved-state blob: %w", err)
	}

	snap, err := preserved.Decode(buf)
	if err != nil {
		return fmt.Errorf("preserved-state blob is invalid (treated as cold boot on real hardware): %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ack_count\t%d\n", snap.Vars.AckCount)
	fmt.Fprintf(w, "nak_count\t%d\n", snap.Vars.NakCount)
	fmt.Fprintf(w, "fail_count\t%d\n", snap.Vars.FailCount)
	fmt.Fprintf(w, "join_interval\t%d\n", snap.Vars.JoinInterval)
	fmt.Fprintf(w, "join_retry_times\t%d\n", snap.Vars.JoinRetryTimes)
	fmt.Fprintf(w, "battery_value\t%d\n", snap.Vars.BatteryValue)
	fmt.Fprintf(w, "data_rate\t%d\n", snap.Vars.DateRate)
	fmt.Fprintf(w, "using_ism2400\t%v\n", snap.Vars.UsingIsm2400)
	fmt.Fprintf(w, "tx_confirmed\t%v\n", snap.Vars.TxConfirmed)
	fmt.Fprintf(w, "unconfirmed_count\t%d\n", snap.Vars.UnconfirmedCount)
	fmt.Fprintf(w, "nvm_contexts_len\t%d\n", len(snap.NvmContexts))
	return w.Flush()
}
