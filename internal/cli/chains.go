package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vultisig/autotransfer/config"
)

type chainRow struct {
	ChainID  int64    `json:"chain_id"`
	Name     string   `json:"name"`
	Strategy string   `json:"strategy"`
	Native   string   `json:"native_symbol"`
	Tokens   []string `json:"tokens"`
	Swap     bool     `json:"swap"`
}

func chainRows(cfgs []config.ChainConfig) []chainRow {
	rows := make([]chainRow, 0, len(cfgs))
	for _, c := range cfgs {
		row := chainRow{
			ChainID:  c.ChainID,
			Name:     c.Name,
			Strategy: c.Strategy,
			Native:   c.NativeSymbol,
			Tokens:   []string{},
			Swap:     c.Swap.Router != "",
		}
		for _, t := range c.Tokens {
			row.Tokens = append(row.Tokens, t.Symbol)
		}
		rows = append(rows, row)
	}
	return rows
}

// NewChainsCommand lists the configured chains. Nothing is dialed.
func NewChainsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List configured chains and their execution strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			return printChains(cmd.OutOrStdout(), rootOpts.Format, chainRows(cfg.Chains))
		},
	}
}

func printChains(w io.Writer, format string, rows []chainRow) error {
	if format == "json" {
		return writeJSON(w, rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tNAME\tSTRATEGY\tNATIVE\tTOKENS\tSWAP")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\t%t\n", r.ChainID, r.Name, r.Strategy, r.Native, r.Tokens, r.Swap)
	}
	return tw.Flush()
}
