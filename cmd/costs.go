/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
	"github.com/spf13/cobra"
)

// costsCmd represents the costs command
var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Inspect or seed the observed request costs",
	Long:  `Inspect or seed the metadata store holding the observed cost of past scan requests.`,
}

var costsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recently observed costs",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig(cmd)
		store := openStore(cfg)
		defer store.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		costs, err := store.FetchAll(context.Background(), limit)
		if err != nil {
			log.Fatalf("Error fetching costs: %v", err)
		}

		if len(costs) == 0 {
			fmt.Println("No observed costs found.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COST\tUPDATED\tQUERY")
		for _, c := range costs {
			fmt.Fprintf(w, "%.0f\t%s\t%s\n", c.Cost, c.UpdatedAt.Format("2006-01-02 15:04:05"), c.Query)
		}
		w.Flush()
	},
}

var costsPutCmd = &cobra.Command{
	Use:   "put <query> <cost>",
	Short: "Record the observed cost of a request",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := fingerprint.Parse(args[0]); err != nil {
			log.Fatalf("Invalid query: %v", err)
		}
		cost, err := strconv.ParseFloat(args[1], 64)
		if err != nil || cost < 0 {
			log.Fatalf("Invalid cost %q: must be a non-negative number", args[1])
		}

		cfg, _ := loadConfig(cmd)
		store := openStore(cfg)
		defer store.Close()

		if err := store.Store(context.Background(), args[0], cost); err != nil {
			log.Fatalf("Error storing cost: %v", err)
		}
		fmt.Printf("Stored cost %.0f for %s\n", cost, args[0])
	},
}

func init() {
	rootCmd.AddCommand(costsCmd)
	costsCmd.AddCommand(costsListCmd)
	costsCmd.AddCommand(costsPutCmd)

	costsListCmd.Flags().Int("limit", config.DefaultCacheCapacity, "maximum number of entries to show")
}

func openStore(cfg *config.Config) *db.Store {
	path, err := cfg.StorePath()
	if err != nil {
		log.Fatalf("Error resolving store path: %v", err)
	}
	store, err := db.Open(path)
	if err != nil {
		log.Fatalf("Error opening metadata store: %v", err)
	}
	return store
}
