// main.go - kvtierctl: Diagnose-Werkzeug fuer den Tiered Block Store
//
// Dieses Modul enthaelt die CLI-Kommandos:
// - stats: Tier-Belegung und Block-Anzahl
// - index: Alle Index-Eintraege als Tabelle
// - scrub: Entfernt verwaiste Block-Dateien
// - guide: Integrationsanleitung fuer einen Ollama-Fork
package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/databloom/ollama-kv-cache-tiering/blockstore"
	"github.com/databloom/ollama-kv-cache-tiering/envconfig"
)

var (
	flagLocal  string
	flagRemote string
)

func openStore() (*blockstore.Store, error) {
	cfg := envconfig.KVTiering()
	if flagLocal != "" {
		cfg.LocalPath = flagLocal
	}
	if flagRemote != "" {
		cfg.RemotePath = flagRemote
	}
	if cfg.LocalPath == "" {
		return nil, fmt.Errorf("no local tier path (set OLLAMA_KV_TIER_LOCAL or --local)")
	}

	return blockstore.New(blockstore.Config{
		LocalPath:    cfg.LocalPath,
		RemotePath:   cfg.RemotePath,
		LocalBudget:  cfg.LocalBudget,
		RemoteBudget: cfg.RemoteBudget,
		Compress:     cfg.Compress,
	})
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-tier block counts and byte usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			s := store.Stats()
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Tier", "Blocks", "Used", "Budget", "Usage"})
			table.Append([]string{"local",
				fmt.Sprint(s.LocalBlocks),
				fmt.Sprint(s.LocalUsed),
				fmt.Sprint(s.LocalBudget),
				fmt.Sprintf("%.1f%%", 100*s.LocalUsageFraction())})
			table.Append([]string{"remote",
				fmt.Sprint(s.RemoteBlocks),
				fmt.Sprint(s.RemoteUsed),
				fmt.Sprint(s.RemoteBudget),
				fmt.Sprintf("%.1f%%", 100*s.RemoteUsageFraction())})
			table.Render()
			return nil
		},
	}
}

func indexCmd() *cobra.Command {
	var seq int
	cmd := &cobra.Command{
		Use:   "index",
		Short: "List indexed blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Block", "DType", "Size", "Tier", "Compressed", "Accessed"})
			for _, m := range store.Index() {
				if seq >= 0 && m.Key.Seq != seq {
					continue
				}
				table.Append([]string{
					m.Key.String(),
					m.DTypeStr,
					fmt.Sprint(m.SizeBytes),
					string(m.Tier),
					fmt.Sprint(m.Compressed),
					m.AccessedAt.Format("2006-01-02 15:04:05"),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&seq, "seq", -1, "only list this sequence id")
	return cmd
}

func scrubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrub",
		Short: "Delete block files that have no index entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Scrub()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d orphaned block files\n", removed)
			return nil
		},
	}
}

func guideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guide",
		Short: "Print the Ollama integration guide",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(integrationGuide)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "kvtierctl",
		Short: "Inspect and maintain the tiered KV block store",
	}
	root.PersistentFlags().StringVar(&flagLocal, "local", "", "local tier directory (overrides OLLAMA_KV_TIER_LOCAL)")
	root.PersistentFlags().StringVar(&flagRemote, "remote", "", "remote tier directory (overrides OLLAMA_KV_TIER_REMOTE)")
	root.AddCommand(statsCmd(), indexCmd(), scrubCmd(), guideCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
