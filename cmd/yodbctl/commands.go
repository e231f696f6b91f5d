package main

import (
	"fmt"

	"github.com/kedebug/yodb"
	"github.com/spf13/cobra"
)

func openDB() (*yodb.DB, error) {
	return yodb.Open(dbPath, yodb.DefaultOptions())
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Insert or overwrite a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Put([]byte(args[0]), []byte(args[1]))
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Look up a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			v, ok, err := db.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key not found: %s", args[0])
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Del([]byte(args[0]))
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print resource usage for the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			s := db.Stats()
			fmt.Printf("nodes:       %d\n", s.NodeCount)
			fmt.Printf("root nid:    %d\n", s.RootNID)
			fmt.Printf("cache nodes: %d\n", s.CacheNodes)
			fmt.Printf("cache bytes: %d\n", s.CacheBytes)
			return nil
		},
	}
}
