// Package wsignal provides a websocket-backed signal adapter.
//
// The adapter holds a long-lived websocket connection to the remote sync
// API and treats every inbound message as a "something changed" nudge.
// Message contents are ignored: the signal path carries no data, the
// delta pull is the source of truth. Dropped connections are redialed
// with exponential backoff until the listener is detached.
package wsignal

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/coastline-hq/driftsync/internal/types"
)

// Config configures the websocket signal adapter.
type Config struct {
	// URL is the websocket endpoint, e.g. "wss://sync.example.com/v1/signal".
	// The scope key is appended as a query parameter on dial.
	URL string

	// Token is an optional bearer token sent on the dial request.
	Token string

	// DialTimeout bounds each connection attempt. Defaults to 10 seconds.
	DialTimeout time.Duration

	// MaxReconnectDelay caps the redial backoff. Defaults to 1 minute.
	MaxReconnectDelay time.Duration

	// Logger for connection lifecycle events.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given endpoint.
func DefaultConfig(wsURL string) *Config {
	return &Config{
		URL:               wsURL,
		DialTimeout:       10 * time.Second,
		MaxReconnectDelay: 1 * time.Minute,
		Logger:            log.New(os.Stderr, "[wsignal] ", log.LstdFlags),
	}
}

// Adapter maintains the signal connection.
type Adapter struct {
	config *Config
	logger *log.Logger
}

// New creates a websocket signal adapter.
func New(config *Config) (*Adapter, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("websocket URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid websocket URL %q: %w", config.URL, err)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = 1 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[wsignal] ", log.LstdFlags)
	}
	return &Adapter{config: config, logger: logger}, nil
}

// Attach starts the connection loop for the scope. onSignal fires on
// every inbound message; onErr reports connection faults that the
// adapter is already handling by reconnecting. The returned function
// detaches the listener and closes the connection.
func (a *Adapter) Attach(ctx context.Context, scope types.Scope, onSignal func(), onErr func(error)) (func(), error) {
	connCtx, cancel := context.WithCancel(ctx)

	go a.run(connCtx, scope, onSignal, onErr)

	return cancel, nil
}

// run dials, reads until the connection drops, and redials with backoff.
func (a *Adapter) run(ctx context.Context, scope types.Scope, onSignal func(), onErr func(error)) {
	delay := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.dial(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if onErr != nil {
				onErr(err)
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, a.config.MaxReconnectDelay)
			continue
		}

		a.logger.Printf("Signal connection established for %s", scope.Key())
		delay = time.Second

		a.readLoop(ctx, conn, onSignal, onErr)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (a *Adapter) dial(ctx context.Context, scope types.Scope) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.config.DialTimeout)
	defer cancel()

	u, err := url.Parse(a.config.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("scope", scope.Key())
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{}
	if a.config.Token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + a.config.Token},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, u.String(), opts)
	return conn, err
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, onSignal func(), onErr func(error)) {
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && onErr != nil {
				onErr(err)
			}
			return
		}
		onSignal()
	}
}

// sleepCtx waits for d or until ctx is done; reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
