package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/memory"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Search and maintain long-term memory",
	}
	cmd.AddCommand(memorySearchCmd(), memoryNoteCmd(), memoryRebuildCmd())
	return cmd
}

func openMemoryIndex() *memory.Index {
	cfg := loadConfigOrExit()
	idx, err := memory.OpenIndex(filepath.Join(cfg.WorkspacePath(), "memory"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return idx
}

func memorySearchCmd() *cobra.Command {
	var (
		scope string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory notes",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			idx := openMemoryIndex()
			defer idx.Close()
			entries, err := idx.Search(scope, strings.Join(args, " "), limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(entries) == 0 {
				fmt.Println("No matches.")
				return
			}
			for _, e := range entries {
				fmt.Printf("— %s (%s)\n%s\n\n", e.SourceKey, e.Scope, e.Content)
			}
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "global", "memory scope to search")
	cmd.Flags().IntVar(&limit, "limit", 5, "max results")
	return cmd
}

func memoryNoteCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "note <text>",
		Short: "Append a note to today's memory",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			idx := openMemoryIndex()
			defer idx.Close()
			if err := idx.AppendToday(scope, strings.Join(args, " ")); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Noted.")
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "global", "memory scope to write to")
	return cmd
}

func memoryRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the search index from the note files",
		Run: func(cmd *cobra.Command, args []string) {
			idx := openMemoryIndex()
			defer idx.Close()
			if err := idx.Rebuild(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Index rebuilt.")
		},
	}
}
