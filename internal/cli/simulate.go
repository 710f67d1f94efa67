package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"dex-sonar/internal/app"
)

var (
	simulatePool     string
	simulateRule     string
	simulateDrop     float64
	simulateRecovery float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次形态匹配并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateDrop < 0 || simulateRecovery < 0 {
			return errors.New("--drop 与 --recovery 不能为负数")
		}

		opts := app.SimulateOptions{
			Pool:        simulatePool,
			Rule:        simulateRule,
			DropPct:     decimal.NewFromFloat(simulateDrop),
			RecoveryPct: decimal.NewFromFloat(simulateRecovery),
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePool, "pool", "", "池子地址，默认取 watchlist 第一个")
	simulateCmd.Flags().StringVar(&simulateRule, "rule", "", "规则 id，默认取第一条规则")
	simulateCmd.Flags().Float64Var(&simulateDrop, "drop", 0, "第一段跌幅 (%)，默认取规则阈值")
	simulateCmd.Flags().Float64Var(&simulateRecovery, "recovery", 0, "第二段回升 (%)，默认取规则阈值")
}
