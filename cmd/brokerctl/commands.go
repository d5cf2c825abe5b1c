package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// commandContext отменяется по Ctrl+C
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// pickAccount дополняет частично заданный счет или берет первый
func pickAccount(accounts []models.Account, want broker.AccountRef) broker.AccountRef {
	for _, a := range accounts {
		if (want.ID != "" && a.ID == want.ID) || (want.Number != "" && a.AccountNumber == want.Number) {
			return broker.AccountRef{ID: a.ID, Number: a.AccountNumber}
		}
	}
	return broker.AccountRef{ID: accounts[0].ID, Number: accounts[0].AccountNumber}
}

func newAccountsCmd(opts *connOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List trading accounts of the login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			_, gateway, err := opts.connect(ctx, false)
			if err != nil {
				return err
			}
			accounts, err := gateway.GetAccounts(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNUMBER\tCURRENCY\tBALANCE\tEQUITY\tSTATUS")
			for _, a := range accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%s\n",
					a.ID, a.AccountNumber, a.Currency, a.Balance, a.Equity, a.Status)
			}
			return tw.Flush()
		},
	}
}

func newInstrumentsCmd(opts *connOptions) *cobra.Command {
	var symbol string

	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "List tradable instruments of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			_, gateway, err := opts.connect(ctx, true)
			if err != nil {
				return err
			}

			if symbol != "" {
				inst, err := gateway.FindInstrument(ctx, symbol)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), inst)
			}

			instruments, err := gateway.GetInstruments(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLOT\tMIN\tMAX\tROUTES")
			for _, inst := range instruments {
				fmt.Fprintf(tw, "%d\t%s\t%g\t%g\t%g\t%d\n",
					inst.ID, inst.Name, inst.LotSize, inst.MinOrderSize, inst.MaxOrderSize, len(inst.Routes))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "show a single instrument by symbol")
	return cmd
}

func newQuotesCmd(opts *connOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "quotes SYMBOL...",
		Short:   "Fetch current quotes; symbols that fail are skipped",
		Example: "  brokerctl quotes EURUSD GBPUSD",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbols := utils.NormalizeSymbols(args)
			for _, s := range symbols {
				if err := utils.ValidateSymbol(s); err != nil {
					return err
				}
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			_, gateway, err := opts.connect(ctx, true)
			if err != nil {
				return err
			}

			quotes := gateway.GetQuotes(ctx, symbols)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tBID\tASK\tTIME")
			for _, q := range quotes {
				fmt.Fprintf(tw, "%s\t%g\t%g\t%s\n", q.Symbol, q.Bid, q.Ask, q.Timestamp.Format("15:04:05"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if missing := len(symbols) - len(quotes); missing > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d symbol(s) skipped\n", missing)
			}
			return nil
		},
	}
}

func newPositionsCmd(opts *connOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List open positions of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			_, gateway, err := opts.connect(ctx, true)
			if err != nil {
				return err
			}
			positions, err := gateway.GetOpenPositions(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), positions)
		},
	}
}

func newCandlesCmd(opts *connOptions) *cobra.Command {
	var (
		timeframe string
		count     int
	)

	cmd := &cobra.Command{
		Use:   "candles SYMBOL",
		Short: "Fetch historical candles for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := utils.NormalizeSymbol(args[0])
			if err := utils.ValidateSymbol(symbol); err != nil {
				return err
			}
			if count < 1 || count > 5000 {
				return fmt.Errorf("--count must be between 1 and 5000, got %d", count)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			_, gateway, err := opts.connect(ctx, true)
			if err != nil {
				return err
			}
			candles, err := gateway.GetHistoricalCandles(ctx, symbol, timeframe, count)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), candles)
		},
	}

	cmd.Flags().StringVar(&timeframe, "timeframe", "1H", "candle resolution")
	cmd.Flags().IntVar(&count, "count", 100, "number of candles")
	return cmd
}
