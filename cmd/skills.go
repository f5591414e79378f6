package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/skills"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage agent skills",
	}
	cmd.AddCommand(skillsListCmd(), skillsShowCmd(), skillsInstallCmd())
	return cmd
}

func openSkillsRegistry() *skills.Registry {
	cfg := loadConfigOrExit()
	return skills.NewRegistry(filepath.Join(cfg.WorkspacePath(), "skills"), "")
}

func skillsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed skills",
		Run: func(cmd *cobra.Command, args []string) {
			list := openSkillsRegistry().List()
			if len(list) == 0 {
				fmt.Println("No skills installed.")
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSOURCE\tALWAYS\tAVAILABLE\tDESCRIPTION")
			for _, s := range list {
				avail := "yes"
				if !s.Available {
					avail = "missing: " + strings.Join(s.Missing, ", ")
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", s.Name, s.Source, s.Always, avail, s.Description)
			}
			w.Flush()
		},
	}
}

func skillsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a skill's instructions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body, err := openSkillsRegistry().Load(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(body)
		},
	}
}

func skillsInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <archive.zip>",
		Short: "Install a skill from a zip archive",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name, err := openSkillsRegistry().Install(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Installed skill %q\n", name)
		},
	}
}
