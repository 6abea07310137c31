package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/servicestatus/agent/internal/domain"
)

// BackoffJitterFraction bounds the randomization applied to each backoff
// step: the actual delay is the exponential step ±20%.
const BackoffJitterFraction = 0.2

// sendBatchSize caps how many queued events one drain pass takes.
const sendBatchSize = 32

// Catalog supplies the current service list for the handshake.
type Catalog func() ([]domain.ServiceRecord, error)

// ReporterConfig holds the connection parameters.
type ReporterConfig struct {
	URL            string
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// Reporter owns the single outbound connection to the backend. It cycles
// through disconnected -> connecting -> connected -> backoff, draining
// the delivery queue while connected and requeuing in-flight events on
// any send failure. An authentication rejection is terminal: retrying
// with a bad credential cannot succeed, so Run returns a *domain.AuthError
// and the daemon exits.
type Reporter struct {
	cfg     ReporterConfig
	queue   *Queue
	catalog Catalog
	logger  *zap.Logger

	// serviceEvents carries service_added/service_removed envelopes.
	// Best-effort: the handshake re-sends the full catalog anyway.
	serviceEvents chan any

	stateMu sync.Mutex
	state   domain.ConnState
}

// NewReporter creates a reporter draining queue over the configured
// websocket endpoint.
func NewReporter(cfg ReporterConfig, queue *Queue, catalog Catalog, logger *zap.Logger) *Reporter {
	return &Reporter{
		cfg:           cfg,
		queue:         queue,
		catalog:       catalog,
		logger:        logger.With(zap.String("component", "reporter")),
		serviceEvents: make(chan any, 16),
		state:         domain.ConnDisconnected,
	}
}

// State returns the current connection state.
func (r *Reporter) State() domain.ConnState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Reporter) setState(s domain.ConnState) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// AnnounceServiceAdded queues a service_added envelope for the next
// connected drain pass. Dropped when the buffer is full.
func (r *Reporter) AnnounceServiceAdded(rec domain.ServiceRecord) {
	select {
	case r.serviceEvents <- ServiceAddedEvent{Event: EventServiceAdded, Service: newServiceInfo(rec)}:
	default:
	}
}

// AnnounceServiceRemoved queues a service_removed envelope.
func (r *Reporter) AnnounceServiceRemoved(id string) {
	select {
	case r.serviceEvents <- ServiceRemovedEvent{Event: EventServiceRemoved, ServiceID: id}:
	default:
	}
}

// Run drives the connection state machine until the context is canceled
// (returns nil) or authentication is rejected (returns *domain.AuthError).
func (r *Reporter) Run(ctx context.Context, agentKey string) error {
	defer r.setState(domain.ConnDisconnected)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.setState(domain.ConnConnecting)
		conn, err := r.connect(ctx, agentKey)
		if err != nil {
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				r.logger.Error("handshake rejected", zap.Error(err))
				return err
			}
			if ctx.Err() != nil {
				return nil
			}

			attempt++
			delay := r.backoff(attempt)
			r.logger.Warn("connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))

			r.setState(domain.ConnBackoff)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		// Successful Connected entry resets the backoff sequence.
		attempt = 0
		r.setState(domain.ConnConnected)
		r.logger.Info("connected to backend")

		err = r.drain(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := r.backoff(attempt)
		r.logger.Warn("connection lost",
			zap.Duration("retry_in", delay),
			zap.Error(err))

		r.setState(domain.ConnBackoff)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// connect dials the backend and performs the agent_hello handshake.
func (r *Reporter) connect(ctx context.Context, agentKey string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, r.cfg.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.AuthError{Reason: fmt.Sprintf("backend returned %d", resp.StatusCode)}
		}
		return nil, err
	}

	services, err := r.catalog()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "catalog unavailable")
		return nil, fmt.Errorf("load service catalog: %w", err)
	}

	infos := make([]ServiceInfo, 0, len(services))
	for _, rec := range services {
		infos = append(infos, newServiceInfo(rec))
	}

	hello := AgentHelloEvent{
		Event:    EventAgentHello,
		AgentKey: agentKey,
		Services: infos,
	}
	if err := writeJSON(dialCtx, conn, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send agent_hello: %w", err)
	}

	r.logger.Info("sent agent_hello", zap.Int("services", len(infos)))
	return conn, nil
}

// pingInterval keeps the connection verified while the queue is idle.
const pingInterval = 30 * time.Second

// drain ships queued events while the connection holds. Returns on the
// first send failure with the undelivered remainder back at the front of
// the queue.
func (r *Reporter) drain(ctx context.Context, conn *websocket.Conn) error {
	// The backend never sends data; CloseRead processes control frames
	// and cancels its context when the peer closes.
	readCtx := conn.CloseRead(ctx)

	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		batch := r.queue.DequeueBatch(sendBatchSize)
		for i, ev := range batch {
			if err := writeJSON(ctx, conn, newStatusUpdateEvent(ev)); err != nil {
				// Dequeued but unacknowledged: back to the front.
				r.queue.Requeue(batch[i:])
				return err
			}
		}
		if len(batch) == sendBatchSize {
			// More may be waiting.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection closed by peer")
		case ev := <-r.serviceEvents:
			if err := writeJSON(ctx, conn, ev); err != nil {
				return err
			}
		case <-pings.C:
			pingCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-r.queue.Wait():
		}
	}
}

// backoff computes the delay before reconnect attempt n: exponential
// growth from the base, capped, with bounded random jitter.
func (r *Reporter) backoff(attempt int) time.Duration {
	delay := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.cfg.BackoffCap {
			delay = r.cfg.BackoffCap
			break
		}
	}

	jitter := 1 + BackoffJitterFraction*(2*rand.Float64()-1)
	jittered := time.Duration(float64(delay) * jitter)
	if jittered > r.cfg.BackoffCap {
		jittered = r.cfg.BackoffCap
	}
	return jittered
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
