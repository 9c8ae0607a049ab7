package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/notibot/internal/kvstore"
)

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageListCmd, storageClearCmd)
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect the bot's key-value storage",
}

func openStorage() (*kvstore.Store, error) {
	cfg := loadConfig()
	path := cfg.StoragePath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no bot storage at %s", path)
	}
	return kvstore.Open(path)
}

var storageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys and values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStorage()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		keys, err := store.Keys(ctx)
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		if len(keys) == 0 {
			fmt.Println("Storage is empty.")
			return nil
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE")
		for _, k := range keys {
			v, ok, err := store.Get(ctx, k)
			if err != nil || !ok {
				continue
			}
			if len(v) > 60 {
				v = v[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\n", k, v)
		}
		return w.Flush()
	},
}

var storageClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete everything the bot has stored",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStorage()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clear storage: %w", err)
		}
		fmt.Println("Storage cleared.")
		return nil
	},
}
