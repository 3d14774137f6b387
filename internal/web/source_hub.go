package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/tabtrail/internal/history"
	"github.com/asheshgoplani/tabtrail/internal/source"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

// Probe errors.
var (
	ErrNoSource     = errors.New("no navigation source connected")
	ErrProbeTimeout = errors.New("navigation probe timed out")
)

var errQueueFull = errors.New("event queue full, event dropped")

const (
	// DefaultSourceRate and DefaultSourceBurst bound inbound messages per
	// connection.
	DefaultSourceRate  rate.Limit = 200
	DefaultSourceBurst            = 400

	sourceQueueLimit   = 4096
	sourceWriteTimeout = 10 * time.Second
	sourceReadLimit    = 1 << 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts same-host pages, non-browser clients and browser
// extensions.
func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch originURL.Scheme {
	case "chrome-extension", "moz-extension", "safari-web-extension":
		return true
	}
	if originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type hubOptions struct {
	sink     tracker.EventSink
	command  func(context.Context, tracker.Request) tracker.Response
	onChange func()
	rate     rate.Limit
	burst    int
	// queueLimit caps events waiting for a connection's worker.
	queueLimit int
}

// SourceHub serves /ws/source connections. Each connection streams events
// that a per-connection worker applies in order; the hub also probes the
// most recently connected source for navigation info.
type SourceHub struct {
	opts hubOptions

	mu      sync.Mutex
	conns   map[string]*sourceConn
	latest  *sourceConn
	pending map[string]*pendingProbe
	closed  bool
}

type pendingProbe struct {
	conn  *sourceConn
	reply chan probeResult
}

type probeResult struct {
	info history.NavInfo
	err  error
}

type sourceConn struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	limiter   *rate.Limiter
	queue     *eventQueue
	closeOnce sync.Once
}

func newSourceHub(opts hubOptions) *SourceHub {
	if opts.rate <= 0 {
		opts.rate = DefaultSourceRate
	}
	if opts.burst <= 0 {
		opts.burst = DefaultSourceBurst
	}
	if opts.queueLimit <= 0 {
		opts.queueLimit = sourceQueueLimit
	}
	if opts.onChange == nil {
		opts.onChange = func() {}
	}
	return &SourceHub{
		opts:    opts,
		conns:   make(map[string]*sourceConn),
		pending: make(map[string]*pendingProbe),
	}
}

// Connections returns the number of attached sources.
func (h *SourceHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// FetchNavInfo asks the latest source for the tab's navigation info and
// waits for the reply or ctx.
func (h *SourceHub) FetchNavInfo(ctx context.Context, tabID int) (history.NavInfo, error) {
	id := uuid.NewString()
	p := &pendingProbe{reply: make(chan probeResult, 1)}

	h.mu.Lock()
	if h.latest == nil || h.closed {
		h.mu.Unlock()
		return history.NavInfo{}, ErrNoSource
	}
	p.conn = h.latest
	h.pending[id] = p
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := p.conn.writeJSON(source.Message{Type: source.TypeProbe, ID: id, TabID: &tabID}); err != nil {
		return history.NavInfo{}, fmt.Errorf("send probe: %w", err)
	}

	select {
	case res := <-p.reply:
		return res.info, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return history.NavInfo{}, fmt.Errorf("%w: tab %d", ErrProbeTimeout, tabID)
		}
		return history.NavInfo{}, ctx.Err()
	}
}

// Close disconnects every source and fails outstanding probes.
func (h *SourceHub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*sourceConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *SourceHub) register(c *sourceConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.latest = c
	return true
}

func (h *SourceHub) unregister(c *sourceConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	if h.latest == c {
		h.latest = nil
		for _, other := range h.conns {
			h.latest = other
			break
		}
	}
	for id, p := range h.pending {
		if p.conn != c {
			continue
		}
		p.reply <- probeResult{err: ErrNoSource}
		delete(h.pending, id)
	}
}

// resolve routes a navInfo reply to its waiting probe.
func (h *SourceHub) resolve(msg *source.Message) bool {
	h.mu.Lock()
	p, ok := h.pending[msg.ID]
	if ok {
		delete(h.pending, msg.ID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	switch {
	case msg.Error != "":
		p.reply <- probeResult{err: fmt.Errorf("probe tab %d: %s", msg.Tab(), msg.Error)}
	case msg.NavInfo == nil:
		p.reply <- probeResult{err: fmt.Errorf("probe tab %d: empty reply", msg.Tab())}
	default:
		p.reply <- probeResult{info: *msg.NavInfo}
	}
	return true
}

func (s *Server) handleSourceWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.serve(s.baseCtx, conn)
}

// serve owns conn until it closes.
func (h *SourceHub) serve(ctx context.Context, conn *websocket.Conn) {
	c := &sourceConn{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(h.opts.rate, h.opts.burst),
		queue:   newEventQueue(h.opts.queueLimit),
	}
	if !h.register(c) {
		c.close()
		return
	}

	log := webLog.With(slog.String("conn_id", c.id))
	log.Info("source_connected", slog.String("remote", conn.RemoteAddr().String()))

	connCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-connCtx.Done()
		c.close()
	}()

	// The worker outlives the reader so queued events are still applied
	// after a disconnect; probes on this connection fail once unregistered.
	var workerDone sync.WaitGroup
	workerDone.Add(1)
	go func() {
		defer workerDone.Done()
		h.work(ctx, c)
	}()
	defer func() {
		cancel()
		h.unregister(c)
		c.queue.close()
		workerDone.Wait()
		log.Debug("source_worker_stopped")
	}()

	conn.SetReadLimit(sourceReadLimit)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Warn("source_closed_unexpectedly", slog.String("error", err.Error()))
			} else {
				log.Info("source_disconnected")
			}
			return
		}

		msg, err := source.Decode(payload)
		if err != nil {
			log.Warn("source_message_rejected", slog.String("error", err.Error()))
			_ = c.writeJSON(source.Message{Type: source.TypeError, Error: err.Error()})
			continue
		}

		if msg.Type == source.TypeNavInfo {
			if !h.resolve(msg) {
				log.Debug("probe_reply_unmatched", slog.String("id", msg.ID))
			}
			continue
		}

		// never block here: a worker waiting on a probe needs this loop to
		// read the reply
		if !c.queue.push(msg) {
			log.Warn("source_queue_full", slog.String("type", msg.Type), slog.Int("limit", h.opts.queueLimit))
			_ = c.writeJSON(source.Message{Type: source.TypeError, ID: msg.ID, Error: errQueueFull.Error()})
		}
	}
}

// work applies queued messages in arrival order.
func (h *SourceHub) work(ctx context.Context, c *sourceConn) {
	for {
		msg, ok := c.queue.pop()
		if !ok {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			continue
		}

		if msg.Type == source.TypeCommand {
			resp := h.opts.command(ctx, msg.Request())
			_ = c.writeJSON(source.Message{Type: source.TypeResult, ID: msg.ID, Result: &resp})
			continue
		}

		applied, err := source.Apply(ctx, h.opts.sink, msg)
		if err != nil {
			webLog.Warn("source_apply_failed", slog.String("conn_id", c.id), slog.String("error", err.Error()))
			continue
		}
		if applied {
			h.opts.onChange()
		}
	}
}

func (c *sourceConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(sourceWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *sourceConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// eventQueue is the FIFO between a connection's reader and its worker.
// push never blocks; it refuses events once limit are waiting.
type eventQueue struct {
	mu     sync.Mutex
	items  []*source.Message
	limit  int
	closed bool
	ready  chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	return &eventQueue{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(msg *source.Message) bool {
	q.mu.Lock()
	if q.closed || len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
	return true
}

// pop waits for the next event. It reports false once the queue is closed
// and drained.
func (q *eventQueue) pop() (*source.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
