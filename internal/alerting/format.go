package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
)

var (
	thousand = decimal.NewFromInt(1_000)
	suffixes = []string{"", "K", "M", "B", "T"}
)

// formatCompactUSD renders amounts such as $940, $12K, $1.2M.
func formatCompactUSD(v decimal.Decimal) string {
	if v.IsZero() {
		return "n/a"
	}
	x := v.Abs()
	i := 0
	for x.GreaterThanOrEqual(thousand) && i < len(suffixes)-1 {
		x = x.Div(thousand)
		i++
	}
	places := int32(0)
	if i > 0 && x.LessThan(decimal.NewFromInt(10)) {
		places = 1
	}
	s := x.Round(places).String()
	if v.IsNegative() {
		s = "-" + s
	}
	return "$" + s + suffixes[i]
}

// formatPrice keeps two significant figures below $100.
func formatPrice(v decimal.Decimal) string {
	if !v.IsPositive() {
		return "n/a"
	}
	if v.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return "$" + v.Round(0).String()
	}
	// exponent of the leading digit, e.g. -5 for 0.0000123
	lead := int32(len(v.Truncate(0).String()))
	if v.LessThan(decimal.NewFromInt(1)) {
		lead = 0
		for x := v; x.LessThan(decimal.NewFromInt(1)); x = x.Mul(decimal.NewFromInt(10)) {
			lead--
		}
		return "$" + v.Round(-lead+1).String()
	}
	return "$" + v.Round(2-lead).String()
}

func formatPct(v decimal.Decimal) string {
	return v.StringFixed(1) + "%"
}

// formatAge renders a coarse human duration: 42m, 5h 12m, 3d 4h.
func formatAge(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	minutes := int(d/time.Minute) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

func poolLinks(pool domain.Pool) []string {
	network := pool.Network
	if network == "" {
		network = "ethereum"
	}
	return []string{
		fmt.Sprintf("DEX Screener: https://dexscreener.com/%s/%s", network, pool.ID),
		fmt.Sprintf("GeckoTerminal: https://www.geckoterminal.com/%s/pools/%s", network, pool.ID),
		fmt.Sprintf("DEXTools: https://www.dextools.io/app/en/%s/pair-explorer/%s", network, pool.ID),
	}
}

func renderMessage(alert domain.Alert) string {
	m := alert.Match
	pool := alert.Pool
	b := strings.Builder{}

	b.WriteString(fmt.Sprintf("%s  [%s]\n", pool.Name(), strings.ToUpper(m.RuleName)))
	first, second := "-", "+"
	if m.Kind == "pump" {
		first, second = "+", "-"
	}
	if m.RecoveryPct.IsPositive() {
		b.WriteString(fmt.Sprintf("Move: %s%s then %s%s in %s\n", first, formatPct(m.DropPct), second, formatPct(m.RecoveryPct), m.WindowEnd.Sub(m.WindowStart).Round(time.Second)))
	} else {
		b.WriteString(fmt.Sprintf("Move: %s%s in %s\n", first, formatPct(m.DropPct), m.WindowEnd.Sub(m.WindowStart).Round(time.Second)))
	}
	b.WriteString(fmt.Sprintf("Window: %s .. %s UTC\n", m.WindowStart.UTC().Format("15:04:05"), m.WindowEnd.UTC().Format("15:04:05")))
	b.WriteString(fmt.Sprintf("Window volume: %s\n", m.Volume.StringFixed(2)))

	price := pool.Metrics.PriceUSD
	if price.IsZero() {
		price = m.Trigger.Price
	}
	b.WriteString(fmt.Sprintf("Price: %s\n", formatPrice(price)))
	b.WriteString(fmt.Sprintf("FDV: %s\n", formatCompactUSD(pool.Metrics.FDV)))
	b.WriteString(fmt.Sprintf("Volume 24h: %s\n", formatCompactUSD(pool.Metrics.Volume24h)))
	b.WriteString(fmt.Sprintf("Liquidity: %s\n", formatCompactUSD(pool.Metrics.Liquidity)))
	if !pool.Metrics.CreatedAt.IsZero() {
		b.WriteString(fmt.Sprintf("Age: %s\n", formatAge(alert.GeneratedAt.Sub(pool.Metrics.CreatedAt))))
	}
	if alert.StaleMetrics {
		b.WriteString("Metrics: stale\n")
	}
	for _, link := range poolLinks(pool) {
		b.WriteString(link + "\n")
	}
	if pool.TokenAddress != "" {
		b.WriteString(pool.TokenAddress)
	}
	return strings.TrimRight(b.String(), "\n")
}
