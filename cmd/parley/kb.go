package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the knowledge base used for retrieval",
	}

	cmd.AddCommand(kbIndexCmd(), kbSearchCmd())
	return cmd
}

func kbIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index [dir]",
		Short: "Index .txt and .md files under a directory",
		Long: `Index .txt and .md files under a directory.

Files already indexed are replaced. Without an argument the configured
knowledge directory is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cfg.Knowledge.Dir
			if len(args) == 1 {
				dir = args[0]
			}

			a := &app{cfg: cfg}
			defer a.Close()

			kb, err := a.openKnowledge()
			if err != nil {
				return err
			}

			stats, err := kb.IndexDir(cmd.Context(), dir)
			if err != nil {
				return err
			}
			total, err := kb.Count(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println(successStyle.Render(fmt.Sprintf("Indexed %d files into %d chunks (%d chunks total)", stats.Files, stats.Chunks, total)))
			return nil
		},
	}
}

func kbSearchCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the passages retrieval would add for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := &app{cfg: cfg}
			defer a.Close()

			kb, err := a.openKnowledge()
			if err != nil {
				return err
			}

			passages, err := kb.Search(cmd.Context(), args[0], k)
			if err != nil {
				return err
			}
			if len(passages) == 0 {
				fmt.Println(dimStyle.Render("No matching passages."))
				return nil
			}

			for i, p := range passages {
				fmt.Printf("%s %s\n", titleStyle.Render(fmt.Sprintf("%d. %s", i+1, p.Source)), dimStyle.Render(fmt.Sprintf("(score %.3f)", p.Score)))
				fmt.Println(p.Text)
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "top-k", "k", 3, "Number of passages to return")
	return cmd
}
