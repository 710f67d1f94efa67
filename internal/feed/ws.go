package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
)

const (
	defaultReadLimit        = 1 << 20
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingPeriod       = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// WSOptions configure the websocket push feed.
type WSOptions struct {
	URL    string
	Header http.Header
	// PingPeriod also bounds silence: no frame or pong for 2*PingPeriod fails the stream.
	PingPeriod   time.Duration
	WriteTimeout time.Duration
}

// wsSubscribe is sent right after the handshake.
type wsSubscribe struct {
	Op   string `json:"op"`
	Pool string `json:"pool"`
}

// wsTrade is one trade frame. Timestamps are unix milliseconds.
type wsTrade struct {
	Type   string          `json:"type"`
	Pool   string          `json:"pool" validate:"required"`
	TS     int64           `json:"ts" validate:"gt=0"`
	Seq    uint64          `json:"seq"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Side   string          `json:"side" validate:"required"`
	Maker  string          `json:"maker"`
}

// WSSource subscribes to one pool per connection on a JSON push feed.
type WSSource struct {
	opts     WSOptions
	dialer   *websocket.Dialer
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewWSSource(opts WSOptions, logger zerolog.Logger) *WSSource {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &WSSource{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		validate: validator.New(),
		logger:   logger.With().Str("component", "ws_feed").Logger(),
	}
}

func (s *WSSource) Stream(ctx context.Context, pool domain.Pool, out chan<- domain.TradeEvent) error {
	if s.opts.URL == "" {
		return errors.New("ws feed: url not configured")
	}
	log := s.logger.With().Str("pool", pool.ID).Logger()

	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws feed: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nilOnCancel(fmt.Errorf("ws feed: dial: %w", err))
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	conn.SetReadLimit(defaultReadLimit)
	wait := 2 * s.opts.PingPeriod
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	// gorilla allows one concurrent writer
	var writeMu sync.Mutex
	write := func(kind int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		return conn.WriteMessage(kind, data)
	}

	sub, err := json.Marshal(wsSubscribe{Op: "subscribe", Pool: pool.ID})
	if err != nil {
		return err
	}
	if err := write(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("ws feed: subscribe: %w", err)
	}
	log.Info().Str("url", s.opts.URL).Msg("websocket feed subscribed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.opts.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				closeConn()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("ping failed")
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws feed: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		event, ok, err := s.decode(data, pool)
		if err != nil {
			log.Warn().Err(err).Msg("frame skipped")
			continue
		}
		if !ok {
			continue
		}
		if err := send(ctx, out, event); err != nil {
			return nilOnCancel(err)
		}
	}
}

// decode turns a frame into a trade. Frames that are not trades (acks, heartbeats) return ok=false.
func (s *WSSource) decode(data []byte, pool domain.Pool) (domain.TradeEvent, bool, error) {
	var frame wsTrade
	if err := json.Unmarshal(data, &frame); err != nil {
		return domain.TradeEvent{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.Type != "" && frame.Type != "trade" {
		return domain.TradeEvent{}, false, nil
	}
	if err := s.validate.Struct(frame); err != nil {
		return domain.TradeEvent{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !strings.EqualFold(frame.Pool, pool.ID) {
		return domain.TradeEvent{}, false, fmt.Errorf("%w: frame for pool %s", ErrMalformed, frame.Pool)
	}
	if !frame.Price.IsPositive() || !frame.Volume.IsPositive() {
		return domain.TradeEvent{}, false, fmt.Errorf("%w: price %s volume %s", ErrMalformed, frame.Price, frame.Volume)
	}
	side, err := domain.ParseSide(frame.Side)
	if err != nil {
		return domain.TradeEvent{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return domain.TradeEvent{
		PoolID:    pool.ID,
		Timestamp: time.UnixMilli(frame.TS).UTC(),
		Sequence:  frame.Seq,
		Price:     frame.Price,
		Volume:    frame.Volume,
		Side:      side,
		Maker:     frame.Maker,
	}, true, nil
}

var _ Source = (*WSSource)(nil)
