package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skywang16/orbitx/internal/checkpoint"
	"github.com/skywang16/orbitx/internal/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			ctx := context.Background()
			paths, err := resolvePaths()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			if err := paths.EnsureDirs(); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			db, err := storage.OpenDatabase(ctx, paths.DatabaseFile())
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			defer db.Close()

			orders, err := db.AppliedMigrations(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			fmt.Printf("database ready, %d migrations applied\n", len(orders))
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check storage health and report blob store statistics",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			ctx := context.Background()
			paths, err := resolvePaths()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}

			fmt.Printf("data dir: %s\n", paths.Root)

			if _, err := storage.OpenConfigStore(paths); err != nil {
				fmt.Printf("config:   FAIL (%v)\n", err)
			} else {
				fmt.Println("config:   ok")
			}

			db, err := storage.OpenDatabase(ctx, paths.DatabaseFile())
			if err != nil {
				fmt.Printf("database: FAIL (%v)\n", err)
				os.Exit(1)
			}
			defer db.Close()
			orders, _ := db.AppliedMigrations(ctx)
			fmt.Printf("database: ok (%d migrations)\n", len(orders))

			blobs := checkpoint.NewBlobStore(db, checkpoint.DefaultConfig())
			stats, err := blobs.GetStats(ctx)
			if err != nil {
				fmt.Printf("blobs:    FAIL (%v)\n", err)
				os.Exit(1)
			}
			fmt.Printf("blobs:    %d blobs, %d bytes, %d refs, %d orphaned\n",
				stats.BlobCount, stats.TotalSize, stats.TotalRefs, stats.OrphanedCount)
			if stats.OrphanedCount > 0 {
				removed, err := blobs.GC(ctx)
				if err != nil {
					fmt.Printf("gc:       FAIL (%v)\n", err)
					os.Exit(1)
				}
				fmt.Printf("gc:       removed %d orphaned blobs\n", removed)
			}
		},
	}
}
