package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/spf13/cobra"
)

// fleetCmd represents the fleet command
var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Inspect and manage the worker nodes at the provider",
}

var fleetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List running worker nodes",
	Long: `List the worker nodes running at the provider next to the nodes the control plane
has recorded. A node running but not recorded was not launched by this control plane
or outlived it.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig(cmd)
		provider, err := newProvider(cfg)
		if err != nil {
			log.Fatalf("Error creating provider: %v", err)
		}
		store := openStore(cfg)
		defer store.Close()

		ctx := context.Background()
		running, err := provider.ListRunning(ctx)
		if err != nil {
			log.Fatalf("Error listing running nodes: %v", err)
		}
		recorded, err := store.ListNodes(ctx)
		if err != nil {
			log.Fatalf("Error reading node records: %v", err)
		}

		byID := make(map[string]db.Node, len(recorded))
		for _, n := range recorded {
			byID[n.ID] = n
		}

		if len(running) == 0 && len(recorded) == 0 {
			fmt.Println("No worker nodes found.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tPROVIDER\tRECORDED")
		for _, n := range running {
			rec := "-"
			if r, ok := byID[n.ID]; ok {
				rec = r.State
				delete(byID, n.ID)
			}
			fmt.Fprintf(w, "%s\t%s\trunning\t%s\n", n.ID, n.Address, rec)
		}
		for _, n := range recorded {
			if _, ok := byID[n.ID]; !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t-\t%s\n", n.ID, n.Address, n.State)
		}
		w.Flush()
	},
}

var fleetTerminateCmd = &cobra.Command{
	Use:   "terminate <id>",
	Short: "Terminate a worker node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig(cmd)
		provider, err := newProvider(cfg)
		if err != nil {
			log.Fatalf("Error creating provider: %v", err)
		}
		store := openStore(cfg)
		defer store.Close()

		ctx := context.Background()
		if err := provider.Terminate(ctx, args[0]); err != nil {
			log.Fatalf("Error terminating node: %v", err)
		}
		if err := store.DeleteNode(ctx, args[0]); err != nil {
			log.Printf("Warning: failed to drop node record: %v", err)
		}
		fmt.Printf("Terminated node %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(fleetCmd)
	fleetCmd.AddCommand(fleetListCmd)
	fleetCmd.AddCommand(fleetTerminateCmd)
}
