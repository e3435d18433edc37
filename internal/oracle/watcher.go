package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/gamerboy74/agrisync/internal/observability"
)

const (
	watcherPingInterval        = 30 * time.Second
	watcherPingTimeout         = 5 * time.Second
	watcherControlWriteTimeout = 5 * time.Second
	watcherMaxReconnectWait    = 30 * time.Second
	watcherReadLimit           = 1 * 1024 * 1024
	watcherReadyTimeout        = 10 * time.Second
)

// Head is a chain head notification naming the contracts a new block touched.
type Head struct {
	BlockRef  uint64   `json:"blockRef"`
	Contracts []string `json:"contracts"`
}

// HeadHandler consumes chain head notifications.
type HeadHandler func(Head)

// Watcher maintains a websocket subscription to the gateway's head feed so
// the reconciler can react to new blocks ahead of its polling cadence.
type Watcher struct {
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64

	handler   HeadHandler
	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once

	metrics *watcherMetrics
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
	ID    uint64   `json:"id"`
	Error *wsError `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
}

// NewWatcher creates a head watcher for the given websocket endpoint.
func NewWatcher(ctx context.Context, endpoint string, handler HeadHandler, errorChan chan<- error) *Watcher {
	watcherCtx, cancel := context.WithCancel(ctx)
	w := new(Watcher)
	w.endpoint = endpoint
	w.ctx = watcherCtx
	w.cancel = cancel
	w.handler = handler
	w.errorChan = errorChan
	w.ready = make(chan struct{})
	w.metrics = newWatcherMetrics()
	return w
}

// Start establishes the connection in a background goroutine and waits for the
// initial session.
func (w *Watcher) Start() error {
	go func() {
		if err := w.connect(); err != nil && !errors.Is(err, context.Canceled) {
			w.reportError(fmt.Errorf("watcher connection failed: %w", err))
		}
	}()

	select {
	case <-w.ready:
		return nil
	case <-time.After(watcherReadyTimeout):
		return errors.New("timeout waiting for gateway websocket")
	case <-w.ctx.Done():
		return fmt.Errorf("watcher context done: %w", w.ctx.Err())
	}
}

// Stop closes the connection and cancels the watcher context.
func (w *Watcher) Stop() {
	w.cancel()
	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close(websocket.StatusNormalClosure, "shutdown")
		w.conn = nil
	}
	w.connMu.Unlock()
}

// connect keeps a single websocket session alive until the parent context
// terminates, re-subscribing to the head feed after every reconnect.
func (w *Watcher) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = watcherMaxReconnectWait

	for {
		select {
		case <-w.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(w.ctx, w.endpoint, nil)
		if err != nil {
			w.metrics.recordReconnect(w.ctx, "error")
			w.reportError(fmt.Errorf("dial %s: %w", w.endpoint, err))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = watcherMaxReconnectWait
			}
			select {
			case <-w.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		w.metrics.recordReconnect(w.ctx, "success")

		w.connMu.Lock()
		w.conn = conn
		w.connMu.Unlock()

		conn.SetReadLimit(watcherReadLimit)

		if err := w.subscribeHeads(conn); err != nil {
			w.reportError(fmt.Errorf("subscribe heads: %w", err))
		}

		w.readyOnce.Do(func() {
			close(w.ready)
		})

		backoffCfg.Reset()

		// Each session runs isolated read and ping loops that can cancel one another.
		connCtx, connCancel := context.WithCancel(w.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- w.readLoop(connCtx, conn)
		}()

		go func() {
			defer wg.Done()
			errCh <- w.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		w.connMu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")

		wg.Wait()
		close(errCh)

		aggregatedErr := firstErr
		for e := range errCh {
			if aggregatedErr == nil || errors.Is(aggregatedErr, context.Canceled) || errors.Is(aggregatedErr, context.DeadlineExceeded) {
				aggregatedErr = e
			}
		}

		if aggregatedErr != nil && !errors.Is(aggregatedErr, context.Canceled) && !errors.Is(aggregatedErr, context.DeadlineExceeded) {
			w.reportError(fmt.Errorf("connection loop: %w", aggregatedErr))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = watcherMaxReconnectWait
		}
		select {
		case <-w.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (w *Watcher) subscribeHeads(conn *websocket.Conn) error {
	req := wsRequest{
		JSONRPC: "2.0",
		Method:  "escrow_subscribe",
		Params:  []any{"heads"},
		ID:      w.msgIDGen.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(w.ctx, watcherControlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write subscribe request: %w", err)
	}
	return nil
}

func (w *Watcher) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(watcherPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping loop context done: %w", ctx.Err())
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, watcherPingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			result := "success"
			if err != nil {
				result = "error"
			}
			w.metrics.recordPing(ctx, time.Since(start), result)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				if errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		var note wsNotification
		if err := json.Unmarshal(data, &note); err != nil {
			w.reportError(fmt.Errorf("decode frame: %w", err))
			continue
		}
		if note.Error != nil {
			w.reportError(fmt.Errorf("gateway websocket error (id=%d): code=%d, msg=%s", note.ID, note.Error.Code, note.Error.Msg))
			continue
		}
		if note.ID > 0 {
			// subscribe acknowledgement
			continue
		}
		if note.Method != "escrow_subscription" || len(note.Params.Result) == 0 {
			continue
		}
		var head Head
		if err := json.Unmarshal(note.Params.Result, &head); err != nil {
			w.reportError(fmt.Errorf("decode head: %w", err))
			continue
		}
		w.metrics.recordHead(ctx, len(data))
		observability.Log().Debug("chain head received",
			observability.F("block_ref", head.BlockRef),
			observability.F("contracts", len(head.Contracts)))
		if w.handler != nil {
			w.handler(head)
		}
	}
}

func (w *Watcher) reportError(err error) {
	if err == nil || w.errorChan == nil {
		return
	}
	err = fmt.Errorf("oracle watcher: %w", err)
	select {
	case <-w.ctx.Done():
	case w.errorChan <- err:
	default:
	}
}
