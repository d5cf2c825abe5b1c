package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradebridge/internal/bot"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

var errOrderDenied = errors.New("order denied")

func newRiskCheckCmd() *cobra.Command {
	var (
		symbol      string
		side        string
		qty         float64
		maxLot      float64
		maxPosition float64
		hours       string
		blacklist   []string
		at          string
	)

	cmd := &cobra.Command{
		Use:   "risk-check",
		Short: "Evaluate an order against a risk profile given by flags",
		Example: `  brokerctl risk-check --symbol EURUSD --qty 2 --max-lot 1
  brokerctl risk-check --qty 0.1 --hours 22:00-02:00 --at 23:30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &models.OrderRequest{
				Symbol:   utils.NormalizeSymbol(symbol),
				Quantity: qty,
				Side:     models.OrderSide(side),
				Type:     models.OrderTypeMarket,
			}
			req.Normalize()
			if err := utils.ValidateQuantity(req.Quantity); err != nil {
				return err
			}

			profile := &models.RiskProfile{PrincipalID: "cli"}
			flags := cmd.Flags()
			if flags.Changed("max-lot") {
				profile.MaxLotSize = &maxLot
			}
			if flags.Changed("max-position") {
				profile.MaxPositionSize = &maxPosition
			}
			if hours != "" {
				start, end, ok := strings.Cut(hours, "-")
				if !ok {
					return fmt.Errorf("--hours must look like HH:MM-HH:MM, got %q", hours)
				}
				for _, v := range []string{start, end} {
					if err := utils.ValidateClock(v); err != nil {
						return err
					}
				}
				profile.TradingHoursStart = &start
				profile.TradingHoursEnd = &end
			}
			if len(blacklist) > 0 {
				profile.SymbolBlacklist = models.SymbolList(utils.NormalizeSymbols(blacklist))
			}

			now, err := evaluationTime(at, time.Now(), time.Local)
			if err != nil {
				return err
			}

			decision := bot.Evaluate(profile, req, now)
			if err := printJSON(cmd.OutOrStdout(), decision); err != nil {
				return err
			}
			if !decision.Allowed {
				return fmt.Errorf("%w: %s", errOrderDenied, decision.Reason)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&symbol, "symbol", "", "order symbol")
	f.StringVar(&side, "side", "buy", "buy or sell")
	f.Float64Var(&qty, "qty", 0, "order quantity (lots)")
	f.Float64Var(&maxLot, "max-lot", 0, "max lot size")
	f.Float64Var(&maxPosition, "max-position", 0, "max position size")
	f.StringVar(&hours, "hours", "", "trading window HH:MM-HH:MM, may wrap midnight")
	f.StringSliceVar(&blacklist, "blacklist", nil, "blacklisted symbols")
	f.StringVar(&at, "at", "", "evaluate at this local time HH:MM today instead of now")
	return cmd
}

// evaluationTime возвращает момент проверки в зоне loc, как у сервера
//
// Пустой at - текущее время; иначе сегодняшняя дата в loc с часами и
// минутами из at.
func evaluationTime(at string, now time.Time, loc *time.Location) (time.Time, error) {
	now = now.In(loc)
	if at == "" {
		return now, nil
	}
	minutes, err := utils.ParseClock(at)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, minutes/60, minutes%60, 0, 0, loc), nil
}
