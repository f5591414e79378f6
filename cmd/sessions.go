package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage chat sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsShowCmd(), sessionsDeleteCmd())
	return cmd
}

func openSessionStore() store.SessionStore {
	cfg := loadConfigOrExit()
	st, err := store.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return st
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Run: func(cmd *cobra.Command, args []string) {
			st := openSessionStore()
			defer st.Close()
			infos, err := st.List()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(infos) == 0 {
				fmt.Println("No sessions.")
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tTURNS\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.TurnCount,
					info.Updated.Local().Format("2006-01-02 15:04"))
			}
			w.Flush()
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := openSessionStore()
			defer st.Close()
			session, err := st.Load(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if session.Settings.SenderID != "" {
				fmt.Printf("owner: %s\n", session.Settings.SenderID)
			}
			turns := session.Turns
			if last > 0 && len(turns) > last {
				turns = turns[len(turns)-last:]
			}
			for _, turn := range turns {
				fmt.Printf("[%s] %s: %s\n",
					turn.Timestamp.Local().Format("15:04"), turn.Role, turn.Content)
			}
		},
	}
	cmd.Flags().IntVar(&last, "last", 0, "show only the last N turns")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := openSessionStore()
			defer st.Close()
			if err := st.Delete(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Deleted session %s\n", args[0])
		},
	}
}
