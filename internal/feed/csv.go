package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
)

var csvHeader = []string{"pool", "timestamp", "sequence", "price", "volume", "side", "maker"}

// ReadTrades parses trades from CSV with the header
// pool,timestamp,sequence,price,volume,side[,maker]. Timestamps are RFC3339 or unix
// milliseconds. Rows keep file order.
func ReadTrades(r io.Reader) ([]domain.TradeEvent, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range csvHeader[:6] {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv header missing %q", required)
		}
	}

	var out []domain.TradeEvent
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		e, err := parseRecord(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// WriteTrades writes events in the format ReadTrades accepts.
func WriteTrades(w io.Writer, events []domain.TradeEvent) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range events {
		rec := []string{
			e.PoolID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(e.Sequence, 10),
			e.Price.String(),
			e.Volume.String(),
			string(e.Side),
			e.Maker,
		}
		if err := writer.Write(rec); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func parseRecord(rec []string, cols map[string]int) (domain.TradeEvent, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	ts, err := parseTimestamp(field("timestamp"))
	if err != nil {
		return domain.TradeEvent{}, err
	}
	seq, err := strconv.ParseUint(field("sequence"), 10, 64)
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("%w: sequence: %v", ErrMalformed, err)
	}
	price, err := decimal.NewFromString(field("price"))
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("%w: price: %v", ErrMalformed, err)
	}
	volume, err := decimal.NewFromString(field("volume"))
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("%w: volume: %v", ErrMalformed, err)
	}
	side, err := domain.ParseSide(field("side"))
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return domain.TradeEvent{
		PoolID:    field("pool"),
		Timestamp: ts,
		Sequence:  seq,
		Price:     price,
		Volume:    volume,
		Side:      side,
		Maker:     field("maker"),
	}, nil
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrMalformed)
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, v)
	}
	return ts.UTC(), nil
}

// CSVSource replays a trades file. The file is read once, on first use.
type CSVSource struct {
	path string
	hold bool

	once   sync.Once
	static *StaticSource
	err    error
}

// NewCSVSource creates a source over path. With hold set, streams stay open after the last
// row so workers are not treated as finished.
func NewCSVSource(path string, hold bool) *CSVSource {
	return &CSVSource{path: path, hold: hold}
}

func (s *CSVSource) load() {
	f, err := os.Open(s.path)
	if err != nil {
		s.err = fmt.Errorf("open trades csv: %w", err)
		return
	}
	defer f.Close()

	events, err := ReadTrades(f)
	if err != nil {
		s.err = err
		return
	}
	s.static = NewStaticSource(events)
	s.static.Hold(s.hold)
}

func (s *CSVSource) Stream(ctx context.Context, pool domain.Pool, out chan<- domain.TradeEvent) error {
	s.once.Do(s.load)
	if s.err != nil {
		return s.err
	}
	return s.static.Stream(ctx, pool, out)
}

var _ Source = (*CSVSource)(nil)
