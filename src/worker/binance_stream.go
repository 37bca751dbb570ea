package worker

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamBackoff
	StreamStopped
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamBackoff:
		return "backoff"
	case StreamStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type StreamConfig struct {
	BaseURL string

	// StreamSeparator joins stream names in the subscription URL. The
	// testnet expects "&" while production expects "/".
	StreamSeparator string

	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	ReadTimeout time.Duration
	StopTimeout time.Duration
}

func NewStreamConfig(baseURL, separator string) StreamConfig {
	return StreamConfig{
		BaseURL:              baseURL,
		StreamSeparator:      separator,
		BaseReconnectDelay:   5 * time.Second,
		MaxReconnectDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
		ReadTimeout:          30 * time.Second,
		StopTimeout:          5 * time.Second,
	}
}

// OnKlineFn receives every structurally valid kline from the stream. It runs
// on the read loop goroutine, so implementations hand off instead of blocking.
type OnKlineFn func(dto *eventmodels.KlineDTO)

// BinanceStreamClient owns one persistent websocket connection to the
// combined kline stream and reconnects with exponential backoff when it
// drops. Malformed frames are logged and dropped; nothing that arrives on the
// wire can kill the read loop.
type BinanceStreamClient struct {
	config  StreamConfig
	onKline OnKlineFn

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	started atomic.Bool
}

func NewBinanceStreamClient(config StreamConfig) *BinanceStreamClient {
	return &BinanceStreamClient{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (c *BinanceStreamClient) Status() StreamState {
	return StreamState(c.state.Load())
}

func (c *BinanceStreamClient) setState(state StreamState) {
	c.state.Store(int32(state))
}

// Start begins the connection loop for the given stream names, e.g.
// "btcusdt@kline_15m". Returns once the read loop goroutine is launched.
func (c *BinanceStreamClient) Start(streams []string, onKline OnKlineFn) error {
	if len(streams) == 0 {
		return fmt.Errorf("Start: no streams to subscribe to")
	}

	if onKline == nil {
		return fmt.Errorf("Start: missing kline callback")
	}

	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("Start: stream client already started")
	}

	c.onKline = onKline
	streamURL := fmt.Sprintf("%s/stream?streams=%s", c.config.BaseURL, strings.Join(streams, c.config.StreamSeparator))

	go c.run(streamURL)

	log.Infof("Binance stream client listening to: %v", streamURL)
	return nil
}

func (c *BinanceStreamClient) run(streamURL string) {
	defer close(c.doneCh)

	attempt := 0

	for {
		if c.isStopping() {
			c.setState(StreamStopped)
			return
		}

		c.setState(StreamConnecting)

		conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
		if err != nil {
			log.Errorf("stream connect failed: %v", err)
		} else {
			c.setConn(conn)
			c.setState(StreamConnected)
			attempt = 0
			log.Info("stream connection established")

			c.readLoop(conn)
			c.setConn(nil)
			conn.Close()

			if c.isStopping() {
				c.setState(StreamStopped)
				return
			}
		}

		attempt++
		if attempt >= c.config.MaxReconnectAttempts {
			log.Errorf("max reconnect attempts (%d) reached, stopping stream client", c.config.MaxReconnectAttempts)
			c.setState(StreamStopped)
			return
		}

		delay := reconnectDelay(c.config.BaseReconnectDelay, c.config.MaxReconnectDelay, attempt)
		log.Warnf("stream disconnected, reconnect attempt %d/%d in %v", attempt, c.config.MaxReconnectAttempts, delay)

		c.setState(StreamBackoff)
		select {
		case <-c.stopCh:
			c.setState(StreamStopped)
			return
		case <-time.After(delay):
		}
	}
}

func (c *BinanceStreamClient) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().UTC().Add(c.config.ReadTimeout)); err != nil {
			log.Errorf("failed to set read deadline: %v", err)
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !c.isStopping() {
				log.Errorf("stream read failed: %v", err)
			}

			return
		}

		c.handleMessage(payload)
	}
}

func (c *BinanceStreamClient) handleMessage(payload []byte) {
	dto, err := eventmodels.ParseStreamMessage(payload)
	if err != nil {
		log.Warnf("dropping malformed stream frame: %v", err)
		return
	}

	if dto == nil {
		log.Debugf("dropping non-kline frame: %s", payload)
		return
	}

	if err := dto.Validate(); err != nil {
		log.Warnf("dropping invalid kline frame: %v", err)
		return
	}

	c.onKline(dto)
}

// Stop shuts the client down. Safe to call from a signal handler and safe to
// call twice; closing the socket unblocks a pending read. Blocks until the
// run loop exits or the stop timeout elapses.
func (c *BinanceStreamClient) Stop() {
	c.stopOnce.Do(func() {
		log.Info("stopping Binance stream client...")
		close(c.stopCh)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})

	if !c.started.Load() {
		c.setState(StreamStopped)
		return
	}

	select {
	case <-c.doneCh:
	case <-time.After(c.config.StopTimeout):
		log.Warn("timed out waiting for stream read loop to exit")
	}
}

func (c *BinanceStreamClient) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *BinanceStreamClient) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.conn = conn
}

// reconnectDelay doubles the base delay per attempt, capped at max.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	if delay > max {
		return max
	}

	return delay
}
