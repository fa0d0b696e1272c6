package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/structurize/packcatalog/internal/index"
	"github.com/structurize/packcatalog/pkg/catpath"
)

func newPacksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "packs",
		Short: "List discovered packs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			cat, src, err := openCatalog(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer src.Close()

			w := cmd.OutOrStdout()
			packs := cat.Packs()
			if len(packs) == 0 {
				_, _ = fmt.Fprintln(w, "(0 packs)")
				return nil
			}

			t := newTable(w)
			t.AppendHeader(table.Row{"Name", "Version", "Format", "Authors", "Description"})
			for _, p := range packs {
				t.AppendRow(table.Row{p.Name, p.Version, p.PackFormat, strings.Join(p.Authors, ", "), p.Description})
			}
			t.Render()
			return nil
		},
	}
}

func newTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <pack>",
		Short: "Show the category tree of a pack",
		Example: `  packcatalog tree medieval
  packcatalog tree medieval --packs-root /srv/packs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			cat, src, err := openCatalog(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer src.Close()

			idx, err := cat.Index(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderTree(cmd.OutOrStdout(), idx)
		},
	}
}

func renderTree(w io.Writer, idx *index.Index) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"Category", "Terminal", "Templates"})

	var walk func(p string, depth int) error
	walk = func(p string, depth int) error {
		children, err := idx.Children(p)
		if err != nil {
			return err
		}
		for _, c := range children {
			count := ""
			if c.IsTerminal {
				entries, err := idx.LeafEntries(c.SubPath)
				if err != nil {
					return err
				}
				count = fmt.Sprint(len(entries))
			}
			t.AppendRow(table.Row{strings.Repeat("  ", depth) + catpath.Base(c.SubPath), c.IsTerminal, count})
			if err := walk(c.SubPath, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(catpath.Root, 0); err != nil {
		return err
	}

	st := idx.Stats()
	t.AppendFooter(table.Row{fmt.Sprintf("%d categories", st.Categories), fmt.Sprintf("%d leaves", st.Leaves), st.Templates})
	t.Render()

	for _, p := range idx.Problems() {
		_, _ = fmt.Fprintf(w, "warning: %v\n", p)
	}
	return nil
}

func newSearchCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <pack> <query>",
		Short: "Fuzzy-search category paths and template names",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			cat, src, err := openCatalog(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer src.Close()

			idx, err := cat.Index(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			matches := idx.Search(args[1], limit)
			if len(matches) == 0 {
				_, _ = fmt.Fprintln(w, "(0 matches)")
				return nil
			}
			t := newTable(w)
			t.AppendHeader(table.Row{"Path", "Template", "Distance"})
			for _, m := range matches {
				t.AppendRow(table.Row{m.Path, m.Template, m.Distance})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of matches (0 for all)")
	return cmd
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}
