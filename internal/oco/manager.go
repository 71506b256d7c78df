package oco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/order"
	"github.com/amirphl/bracket-trader/internal/tracker"
)

// Config tunes the timeouts and retry budgets of a manager.
type Config struct {
	EventTimeout    time.Duration // longest wait for a status event before polling
	ShutdownTimeout time.Duration
	CancelAttempts  int
	CancelBackoff   time.Duration
	PollAttempts    int
	PollBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		EventTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CancelAttempts:  3,
		CancelBackoff:   500 * time.Millisecond,
		PollAttempts:    3,
		PollBackoff:     200 * time.Millisecond,
	}
}

// ToStatusEvent converts a broker report into tracker input.
func ToStatusEvent(st exchange.OrderStatus, source string) tracker.StatusEvent {
	return tracker.StatusEvent{
		OrderID:   st.OrderID,
		Status:    st.Status,
		FilledQty: st.FilledQty,
		AvgPrice:  st.AvgPrice,
		Timestamp: st.Timestamp,
		Source:    source,
	}
}

// Manager owns one bracket group. All state changes happen on a single
// goroutine that consumes the group's mailbox; status reports reach it only
// through tracker notifications.
type Manager struct {
	gw      exchange.Gateway
	tr      *tracker.Tracker
	notify  notifier.Notifier
	journal journal.Journaler
	log     *zap.Logger
	cfg     Config

	queue   *mailbox
	pending []event
	sm      *stateMachine
	lastSeq map[string]uint64

	entryFillNoted bool

	idsMu sync.Mutex
	ids   map[string]struct{}

	mu    sync.RWMutex
	group Group

	started     atomic.Bool
	opCtx       context.Context
	onFinish    func(Group)
	unsubscribe func()
	done        chan struct{}
}

func New(gw exchange.Gateway, tr *tracker.Tracker, n notifier.Notifier, j journal.Journaler, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notifier.Nop{}
	}
	if j == nil {
		j = journal.Nop{}
	}
	id := uuid.NewString()
	return &Manager{
		gw:      gw,
		tr:      tr,
		notify:  n,
		journal: j,
		log:     logger.Named("oco").With(zap.String("group_id", id)),
		cfg:     cfg,
		queue:   newMailbox(),
		sm:      newStateMachine(),
		lastSeq: make(map[string]uint64),
		ids:     make(map[string]struct{}),
		group:   Group{ID: id, State: AwaitingEntryFill},
		opCtx:   context.Background(),
		done:    make(chan struct{}),
	}
}

// ID returns the group id.
func (m *Manager) ID() string { return m.group.ID }

// OnFinish sets a hook that runs on the manager goroutine once the group is
// terminal and its completion has been logged and journaled, before Done is
// closed. It must be set before Start.
func (m *Manager) OnFinish(fn func(Group)) { m.onFinish = fn }

// Done is closed when the group reached a terminal state.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Group returns a snapshot of the group.
func (m *Manager) Group() Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.group.clone()
}

// Start validates req and places the entry order. On success the group exists
// and is driven in the background; on error nothing was placed.
func (m *Manager) Start(ctx context.Context, req order.TradeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("oco: manager already started")
	}
	m.opCtx = context.WithoutCancel(ctx)

	entryReq := exchange.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Kind:     order.KindMarket,
		Price:    req.ReferencePrice,
		Role:     order.RoleEntry,
	}
	pctx, cancel := m.callCtx(ctx)
	id, err := m.gw.PlaceOrder(pctx, entryReq)
	cancel()
	if err != nil {
		m.log.Error("entry placement failed", zap.Error(err))
		close(m.done)
		return fmt.Errorf("place entry: %w", err)
	}

	now := time.Now().UTC()
	entry := order.Order{
		ID:        id,
		Role:      order.RoleEntry,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Kind:      order.KindMarket,
		Price:     req.ReferencePrice,
		Status:    order.StatusPending,
		CreatedAt: now,
		LastSeen:  now,
	}
	m.mu.Lock()
	m.group.Request = req
	m.group.Entry = entry
	m.group.CreatedAt = now
	m.mu.Unlock()

	m.log.Info("group created",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Quantity),
		zap.String("ref_price", req.ReferencePrice.String()),
		zap.String("entry_id", id))
	m.record(journal.TypeGroupCreated, fmt.Sprintf("%s %s x%d ref %s", req.Side, req.Symbol, req.Quantity, req.ReferencePrice), nil,
		map[string]any{
			"symbol":           req.Symbol,
			"side":             string(req.Side),
			"quantity":         req.Quantity,
			"stop_loss_offset": req.StopLossOffset.String(),
			"target_offset":    req.TargetOffset.String(),
			"reference_price":  req.ReferencePrice.String(),
		})

	m.unsubscribe = m.tr.Subscribe(m.onNotification)
	trackErr := m.track(entry)
	if trackErr == nil {
		m.record(journal.TypeOrderPlaced, "entry placed", &entry, nil)
		m.tell(notifier.Info, "Entry order placed: %s %d %s @ MARKET (LTP %s) id=%s",
			req.Side, req.Quantity, req.Symbol, req.ReferencePrice.StringFixed(2), id)
	}

	go m.run(ctx, trackErr)
	return nil
}

// Shutdown interrupts the group: every live order is cancelled and the group
// ends ABORTED, or RESOLVED if a leg fill already landed. It waits for the
// group to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) (Group, error) {
	if !m.started.Load() {
		return m.Group(), nil
	}
	m.queue.push(event{kind: evShutdown})
	select {
	case <-m.done:
		return m.Group(), nil
	case <-ctx.Done():
		return m.Group(), ctx.Err()
	}
}

// onNotification runs under the tracker lock; it only queues.
func (m *Manager) onNotification(n tracker.Notification) {
	m.idsMu.Lock()
	_, ours := m.ids[n.Order.ID]
	m.idsMu.Unlock()
	if ours {
		m.queue.push(event{kind: evStatus, n: n})
	}
}

func (m *Manager) track(o order.Order) error {
	m.idsMu.Lock()
	m.ids[o.ID] = struct{}{}
	m.idsMu.Unlock()

	if err := m.tr.Register(o); err != nil {
		m.idsMu.Lock()
		delete(m.ids, o.ID)
		m.idsMu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) trackedIDs() []string {
	m.idsMu.Lock()
	defer m.idsMu.Unlock()
	ids := make([]string, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) callCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.cfg.EventTimeout)
}

func (m *Manager) run(ctx context.Context, startErr error) {
	defer m.finish()

	if startErr != nil {
		m.untracked(startErr)
		return
	}

	m.poll(m.group.Entry.ID)

	timer := time.NewTimer(m.cfg.EventTimeout)
	defer timer.Stop()

	for !m.sm.current.Terminal() {
		reset := true
		select {
		case <-m.queue.ready():
			m.pending = append(m.pending, m.queue.drain()...)
			// stale redeliveries must not hold off reconciliation
			reset = false
			for len(m.pending) > 0 && !m.sm.current.Terminal() {
				ev := m.pending[0]
				m.pending = m.pending[1:]
				if m.dispatch(ev) {
					reset = true
				}
			}
		case <-timer.C:
			m.log.Debug("no status event within timeout, reconciling", zap.String("state", string(m.sm.current)))
			m.reconcile()
		case <-ctx.Done():
			m.shutdown("context cancelled")
		}
		if !reset {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.EventTimeout)
	}

	for _, ev := range append(m.pending, m.queue.drain()...) {
		m.discard(ev)
	}
	m.pending = nil
}

// dispatch reports whether ev was acted on.
func (m *Manager) dispatch(ev event) bool {
	switch ev.kind {
	case evShutdown:
		m.shutdown("operator shutdown")
		return true
	case evStatus:
		return m.handleStatus(ev.n)
	}
	return false
}

// untracked ends a group whose entry the broker accepted but the tracker
// refused. The entry is cancelled so no position opens without exit legs.
func (m *Manager) untracked(cause error) {
	entry := m.group.Entry
	m.log.Error("entry could not be tracked", zap.String("entry_id", entry.ID), zap.Error(cause), zap.Bool("alert", true))

	cerr := m.cancelWithRetry(m.opCtx, entry)
	m.abort(fmt.Sprintf("entry order %s could not be tracked: %v", entry.ID, cause))
	if cerr != nil {
		m.alert(fmt.Sprintf("Entry order %s (%s %d %s) may still be live WITHOUT exit legs. Cancel it manually.",
			entry.ID, entry.Side, entry.Quantity, entry.Symbol))
		return
	}
	m.alert(fmt.Sprintf("Entry order %s (%s %d %s) could not be tracked and was cancelled. Check the account for fills.",
		entry.ID, entry.Side, entry.Quantity, entry.Symbol))
}

// discard logs an event that arrived after the group finished.
func (m *Manager) discard(ev event) {
	if ev.kind != evStatus || ev.n.Order.Seq <= m.lastSeq[ev.n.Order.ID] {
		return
	}
	m.conflict(ev.n.Order, "group already finished")
}

func (m *Manager) conflict(o order.Order, reason string) {
	err := &StateConflictError{GroupID: m.group.ID, State: m.sm.current, OrderID: o.ID, Status: o.Status, Reason: reason}
	m.log.Warn("anomaly: event discarded", zap.Error(err))
}

// consume records o as the latest view of its order. It reports false for a
// snapshot older than one already acted on.
func (m *Manager) consume(o order.Order) bool {
	if o.Seq <= m.lastSeq[o.ID] {
		return false
	}
	m.lastSeq[o.ID] = o.Seq

	m.mu.Lock()
	switch o.Role {
	case order.RoleEntry:
		m.group.Entry = o
	case order.RoleStopLoss:
		m.group.StopLoss = &o
	case order.RoleTarget:
		m.group.Target = &o
	}
	m.mu.Unlock()
	return true
}

func (m *Manager) handleStatus(n tracker.Notification) bool {
	o := n.Order
	if !m.consume(o) {
		return false
	}
	m.record(journal.TypeOrderStatus, fmt.Sprintf("%s %s %s -> %s", o.Role, o.ID, n.Previous, o.Status), &o,
		map[string]any{"source": n.Source, "seq": o.Seq})

	switch m.sm.current {
	case AwaitingEntryFill:
		m.onEntryStatus(o)
	case LegsActive:
		m.onLegStatus(o)
	case Resolving:
		m.onResolvingStatus(o)
	default:
		m.conflict(o, "unexpected status report")
	}
	return true
}

func (m *Manager) onEntryStatus(o order.Order) {
	if o.Role != order.RoleEntry {
		m.conflict(o, "leg report before legs were placed")
		return
	}
	switch o.Status {
	case order.StatusFilled:
		m.entryFilled(o)
	case order.StatusCancelled, order.StatusRejected:
		if o.FilledQty > 0 {
			// the executed part is a real position and gets its own bracket
			m.entryFilled(o)
			return
		}
		m.mu.Lock()
		m.group.Reason = fmt.Sprintf("entry %s by broker", o.Status)
		m.mu.Unlock()
		if m.transition(EntryRejected, fmt.Sprintf("entry %s", o.Status)) {
			m.tell(notifier.Warning, "Entry order %s was %s, no exit legs placed", o.ID, o.Status)
		}
	case order.StatusPartiallyFilled:
		m.log.Info("entry partially filled", zap.Int64("filled_qty", o.FilledQty), zap.Int64("qty", o.Quantity))
	}
}

func (m *Manager) entryFilled(o order.Order) {
	qty := o.ExecutedQty()
	fill := o.AvgPrice
	if fill.IsZero() {
		fill = m.group.Request.ReferencePrice
		m.log.Warn("entry fill has no price, using reference price", zap.String("price", fill.String()))
	}
	if !m.transition(EntryFilledPlacingLegs, fmt.Sprintf("entry %s %d @ %s", o.Status, qty, fill)) {
		return
	}
	m.tell(notifier.Success, "Entry filled: %s %d %s @ %s", o.Side, qty, o.Symbol, fill.StringFixed(2))
	m.placeLegs(qty, fill)
}

func (m *Manager) placeLegs(qty int64, fill decimal.Decimal) {
	req := m.group.Request
	stop, target := order.LegPrices(req.Side, fill, req.StopLossOffset, req.TargetOffset)
	side := req.Side.Opposite()

	legs := []exchange.OrderRequest{
		{Symbol: req.Symbol, Side: side, Quantity: qty, Kind: order.KindStopLoss, Price: stop, TriggerPrice: stop, Role: order.RoleStopLoss},
		{Symbol: req.Symbol, Side: side, Quantity: qty, Kind: order.KindLimit, Price: target, Role: order.RoleTarget},
	}

	var placed []order.Order
	for _, lr := range legs {
		o, err := m.placeLeg(lr)
		if o.ID != "" {
			placed = append(placed, o)
		}
		if err != nil {
			m.abortPlacement(lr.Role, placed, err)
			return
		}
	}

	if !m.transition(LegsActive, fmt.Sprintf("stop-loss @ %s, target @ %s", stop, target)) {
		return
	}
	m.tell(notifier.Info, "Exit legs placed: STOP_LOSS %s @ %s (id=%s), TARGET %s @ %s (id=%s)",
		side, stop.StringFixed(2), placed[0].ID, side, target.StringFixed(2), placed[1].ID)

	for _, o := range placed {
		m.poll(o.ID)
	}
}

// placeLeg places one exit leg. A returned order with an id was accepted by
// the broker even if err is set.
func (m *Manager) placeLeg(lr exchange.OrderRequest) (order.Order, error) {
	ctx, cancel := m.callCtx(m.opCtx)
	id, err := m.gw.PlaceOrder(ctx, lr)
	cancel()
	if err != nil {
		return order.Order{}, err
	}

	now := time.Now().UTC()
	o := order.Order{
		ID:           id,
		Role:         lr.Role,
		Symbol:       lr.Symbol,
		Side:         lr.Side,
		Quantity:     lr.Quantity,
		Kind:         lr.Kind,
		Price:        lr.Price,
		TriggerPrice: lr.TriggerPrice,
		Status:       order.StatusPending,
		CreatedAt:    now,
		LastSeen:     now,
	}
	m.mu.Lock()
	if lr.Role == order.RoleStopLoss {
		m.group.StopLoss = &o
	} else {
		m.group.Target = &o
	}
	m.mu.Unlock()

	if err := m.track(o); err != nil {
		return o, err
	}
	m.log.Info("leg placed", zap.String("role", string(o.Role)), zap.String("order_id", id))
	m.record(journal.TypeOrderPlaced, fmt.Sprintf("%s leg placed", o.Role), &o, nil)
	return o, nil
}

func (m *Manager) abortPlacement(role order.Role, placed []order.Order, err error) {
	ids := make([]string, 0, len(placed))
	for _, o := range placed {
		ids = append(ids, o.ID)
	}
	lpe := &LegPlacementError{GroupID: m.group.ID, Role: role, Placed: ids, Err: err}
	m.log.Error("leg placement failed", zap.Error(lpe), zap.Bool("alert", true))

	for _, o := range placed {
		if cur, gerr := m.tr.Get(o.ID); gerr == nil {
			o = cur
		}
		if o.Status.Terminal() {
			continue
		}
		_ = m.cancelWithRetry(m.opCtx, o)
	}

	m.abort(lpe.Error())
	entry := m.group.Entry
	m.alert(fmt.Sprintf("Bracket incomplete for %s: %v. Entry position %s %d is open WITHOUT protection.",
		entry.Symbol, lpe, entry.Side, entry.ExecutedQty()))
}

func (m *Manager) onLegStatus(o order.Order) {
	if o.Role == order.RoleEntry {
		m.log.Debug("entry report after fill ignored", zap.String("status", string(o.Status)))
		return
	}
	switch o.Status {
	case order.StatusFilled:
		m.legFilled(o)
	case order.StatusCancelled, order.StatusRejected:
		m.bracketBroken(o)
	case order.StatusPartiallyFilled:
		m.log.Warn("leg partially filled", zap.String("role", string(o.Role)), zap.Int64("filled_qty", o.FilledQty))
		m.tell(notifier.Warning, "%s leg partially filled: %d of %d", o.Role, o.FilledQty, o.Quantity)
	case order.StatusOpen:
		m.log.Info("leg live", zap.String("role", string(o.Role)), zap.String("order_id", o.ID))
	}
}

func otherLeg(r order.Role) order.Role {
	if r == order.RoleStopLoss {
		return order.RoleTarget
	}
	return order.RoleStopLoss
}

// latest returns the tracker's current view of the group's order for role.
// It does not consume the snapshot; callers that act on it call consume.
func (m *Manager) latest(role order.Role) (order.Order, bool) {
	o := m.group.order(role)
	if o == nil {
		return order.Order{}, false
	}
	cur, err := m.tr.Get(o.ID)
	if err != nil {
		return *o, true
	}
	return cur, true
}

func (m *Manager) legFilled(o order.Order) {
	m.mu.Lock()
	m.group.Winner = o.Role
	m.mu.Unlock()
	if !m.transition(Resolving, fmt.Sprintf("%s filled %d @ %s", o.Role, o.ExecutedQty(), o.AvgPrice)) {
		return
	}
	m.tell(notifier.Success, "%s hit: %s %d %s @ %s", o.Role, o.Side, o.ExecutedQty(), o.Symbol, o.AvgPrice.StringFixed(2))

	loser, ok := m.latest(otherLeg(o.Role))
	if !ok {
		m.transition(Resolved, "no opposite leg")
		return
	}
	if loser.Status.Terminal() {
		m.consume(loser)
		m.loserSettled(loser)
		return
	}
	if err := m.cancelWithRetry(m.opCtx, loser); err != nil {
		m.log.Error("opposite leg still live, group stays RESOLVING", zap.String("order_id", loser.ID))
	}
}

func (m *Manager) onResolvingStatus(o order.Order) {
	if o.Role != otherLeg(m.group.Winner) {
		m.log.Debug("report for settled order ignored", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
		return
	}
	if o.Status.Terminal() {
		m.loserSettled(o)
		return
	}
	if o.Status == order.StatusPartiallyFilled {
		m.anomaly(fmt.Sprintf("%s leg %s partially filled (%d) while being cancelled", o.Role, o.ID, o.FilledQty))
	}
}

func (m *Manager) loserSettled(o order.Order) {
	if o.Status == order.StatusFilled || o.FilledQty > 0 {
		m.anomaly(fmt.Sprintf("double fill: %s leg %s executed %d @ %s after %s won; position is reversed, check the account",
			o.Role, o.ID, o.ExecutedQty(), o.AvgPrice, m.group.Winner))
	}
	if m.transition(Resolved, fmt.Sprintf("%s %s", o.Role, o.Status)) {
		m.tell(notifier.Success, "Trade resolved by %s. %s order %s", m.group.Winner, o.Role, o.Status)
	}
}

func (m *Manager) bracketBroken(o order.Order) {
	reason := fmt.Sprintf("%s leg %s was %s outside the bracket", o.Role, o.ID, o.Status)
	m.log.Error("bracket broken", zap.String("reason", reason), zap.Bool("alert", true))

	survivor, ok := m.latest(otherLeg(o.Role))
	if ok && survivor.Status == order.StatusFilled {
		// the position is closed by the survivor's fill
		m.consume(survivor)
		m.legFilled(survivor)
		return
	}
	if ok && !survivor.Status.Terminal() {
		_ = m.cancelWithRetry(m.opCtx, survivor)
	}

	m.abort(reason)
	entry := m.group.Entry
	m.alert(fmt.Sprintf("%s. Entry position %s %d %s is open WITHOUT protection.", reason, entry.Side, entry.ExecutedQty(), entry.Symbol))
}

func (m *Manager) abort(reason string) {
	m.mu.Lock()
	m.group.Reason = reason
	m.mu.Unlock()
	if m.transition(Aborted, reason) {
		m.tell(notifier.Error, "Trade aborted: %s", reason)
	}
}

func (m *Manager) transition(next State, reason string) bool {
	t, err := m.sm.transitionTo(m.group.ID, next, reason)
	if err != nil {
		m.log.Error("anomaly: transition refused", zap.Error(err))
		return false
	}

	m.mu.Lock()
	m.group.State = next
	m.group.History = append(m.group.History, t)
	if next.Terminal() {
		m.group.ResolvedAt = t.Timestamp
	}
	m.mu.Unlock()

	m.log.Info("transition",
		zap.String("from", string(t.FromState)),
		zap.String("to", string(t.ToState)),
		zap.String("reason", reason))
	m.record(journal.TypeTransition, t.String(), nil, map[string]any{
		"from":   string(t.FromState),
		"to":     string(t.ToState),
		"reason": reason,
	})
	return true
}

// settled polls orderID once and reports whether it is terminal.
func (m *Manager) settled(ctx context.Context, orderID string) bool {
	pctx, cancel := m.callCtx(ctx)
	defer cancel()
	st, err := m.gw.PollStatus(pctx, orderID)
	if err != nil {
		return false
	}
	if st.OrderID == "" {
		st.OrderID = orderID
	}
	m.tr.Apply(ToStatusEvent(st, "poll"))
	return st.Status.Terminal()
}

// cancelWithRetry cancels o with bounded backoff. After every failed attempt
// the order is polled and a terminal status ends the retries. Exhaustion is
// escalated to the operator.
func (m *Manager) cancelWithRetry(ctx context.Context, o order.Order) error {
	attempts := m.cfg.CancelAttempts
	err := exchange.Retry(ctx, attempts, m.cfg.CancelBackoff, func(attempt int) error {
		cctx, cancel := m.callCtx(ctx)
		err := m.gw.CancelOrder(cctx, o.ID)
		cancel()
		if err == nil {
			m.log.Info("cancel accepted", zap.String("role", string(o.Role)), zap.String("order_id", o.ID))
			return nil
		}
		if m.settled(ctx, o.ID) {
			m.log.Info("cancel not needed, order already closed", zap.String("order_id", o.ID), zap.NamedError("cancel_error", err))
			return nil
		}
		m.log.Warn("cancel attempt failed", zap.String("order_id", o.ID), zap.Int("attempt", attempt), zap.Error(err))
		return err
	})
	if err == nil {
		return nil
	}

	fe := &FatalEscalation{GroupID: m.group.ID, OrderID: o.ID, Role: o.Role, Attempts: attempts, Err: err}
	m.log.Error("cancel failed", zap.Error(fe), zap.Bool("alert", true))
	m.record(journal.TypeCancelFailed, fe.Error(), &o, map[string]any{"attempts": attempts})
	m.alert(fe.Error())
	return fe
}

// poll re-queries one order and feeds the result through the tracker. Errors
// are retried quietly; the next timeout tries again.
func (m *Manager) poll(orderID string) {
	err := exchange.Retry(m.opCtx, m.cfg.PollAttempts, m.cfg.PollBackoff, func(int) error {
		ctx, cancel := m.callCtx(m.opCtx)
		defer cancel()
		st, err := m.gw.PollStatus(ctx, orderID)
		if err != nil {
			return err
		}
		if st.OrderID == "" {
			st.OrderID = orderID
		}
		m.tr.Apply(ToStatusEvent(st, "poll"))
		return nil
	})
	if err != nil {
		m.log.Debug("status poll failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// liveOrders returns the group's orders that are not terminal yet.
func (m *Manager) liveOrders() []order.Order {
	var live []order.Order
	for _, role := range []order.Role{order.RoleEntry, order.RoleStopLoss, order.RoleTarget} {
		if o, ok := m.latest(role); ok && !o.Status.Terminal() {
			live = append(live, o)
		}
	}
	return live
}

// reconcile runs when no event arrived within the event timeout.
func (m *Manager) reconcile() {
	for _, o := range m.liveOrders() {
		m.poll(o.ID)
	}
	if m.sm.current != Resolving {
		return
	}
	if loser, ok := m.latest(otherLeg(m.group.Winner)); ok && !loser.Status.Terminal() {
		m.log.Warn("opposite leg still live, cancelling again", zap.String("order_id", loser.ID))
		_ = m.cancelWithRetry(m.opCtx, loser)
	}
}

// observe applies a status report during shutdown without driving the normal
// transitions; only leg fills matter for the final state.
func (m *Manager) observe(n tracker.Notification) {
	o := n.Order
	if !m.consume(o) {
		return
	}
	m.record(journal.TypeOrderStatus, fmt.Sprintf("%s %s %s -> %s (shutdown)", o.Role, o.ID, n.Previous, o.Status), &o,
		map[string]any{"source": n.Source, "seq": o.Seq})
	m.noteFill(o)
}

func (m *Manager) noteFill(o order.Order) {
	switch {
	case o.Role == order.RoleEntry && m.sm.current == AwaitingEntryFill && o.FilledQty > 0:
		if m.entryFillNoted {
			return
		}
		m.entryFillNoted = true
		m.anomaly(fmt.Sprintf("entry %s executed %d during shutdown; position is open without exit legs", o.ID, o.FilledQty))
	case o.Role != order.RoleEntry && o.Status == order.StatusFilled:
		if m.group.Winner == "" {
			m.mu.Lock()
			m.group.Winner = o.Role
			m.mu.Unlock()
		} else if m.group.Winner != o.Role {
			m.anomaly(fmt.Sprintf("double fill: %s leg %s also executed during shutdown", o.Role, o.ID))
		}
	}
}

func (m *Manager) shutdown(reason string) {
	if m.sm.current.Terminal() {
		return
	}
	m.log.Warn("shutdown requested", zap.String("state", string(m.sm.current)), zap.String("reason", reason))
	ctx, cancel := context.WithTimeout(m.opCtx, m.cfg.ShutdownTimeout)
	defer cancel()

	backlog := append(m.pending, m.queue.drain()...)
	m.pending = nil
	for _, ev := range backlog {
		if ev.kind == evStatus {
			m.observe(ev.n)
		}
	}

	// the tracker may know more than the backlog
	for _, role := range []order.Role{order.RoleEntry, order.RoleStopLoss, order.RoleTarget} {
		if o, ok := m.latest(role); ok && m.consume(o) {
			m.noteFill(o)
		}
	}

	for _, o := range m.liveOrders() {
		_ = m.cancelWithRetry(ctx, o)
	}

	wait := time.NewTicker(200 * time.Millisecond)
	defer wait.Stop()
	for live := m.liveOrders(); len(live) > 0; live = m.liveOrders() {
		select {
		case <-ctx.Done():
		case <-m.queue.ready():
			for _, ev := range m.queue.drain() {
				if ev.kind == evStatus {
					m.observe(ev.n)
				}
			}
			continue
		case <-wait.C:
			for _, o := range live {
				m.settled(ctx, o.ID)
			}
			continue
		}
		break
	}

	var unconfirmed []string
	for _, o := range m.liveOrders() {
		unconfirmed = append(unconfirmed, o.ID)
		m.log.Warn("order not confirmed cancelled", zap.String("order_id", o.ID), zap.String("role", string(o.Role)),
			zap.String("status", string(o.Status)))
	}
	m.mu.Lock()
	m.group.Unconfirmed = unconfirmed
	m.mu.Unlock()
	if len(unconfirmed) > 0 {
		m.tell(notifier.Warning, "Shutdown: orders not confirmed cancelled: %v", unconfirmed)
	}

	if m.group.Winner != "" {
		if m.sm.current == LegsActive {
			m.transition(Resolving, fmt.Sprintf("%s filled during shutdown", m.group.Winner))
		}
		if m.sm.current == Resolving {
			m.transition(Resolved, "shutdown after leg fill")
			return
		}
	}
	m.abort(reason)
	if entry := m.group.Entry; entry.ExecutedQty() > 0 {
		m.tell(notifier.Warning, "Position %s %d %s remains open without exit legs", entry.Side, entry.ExecutedQty(), entry.Symbol)
	}
}

func (m *Manager) finish() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.tr.Forget(m.trackedIDs()...)

	g := m.Group()
	m.log.Info("group finished",
		zap.String("state", string(g.State)),
		zap.String("winner", string(g.Winner)),
		zap.String("reason", g.Reason),
		zap.Int("transitions", len(g.History)))
	m.record(journal.TypeGroupFinished, string(g.State), nil, map[string]any{
		"state":       string(g.State),
		"winner":      string(g.Winner),
		"reason":      g.Reason,
		"unconfirmed": g.Unconfirmed,
	})

	if m.onFinish != nil {
		m.onFinish(g)
	}
	close(m.done)
}

func (m *Manager) anomaly(msg string) {
	m.mu.Lock()
	m.group.Anomalies = append(m.group.Anomalies, msg)
	m.mu.Unlock()
	m.log.Error("anomaly", zap.String("detail", msg), zap.Bool("alert", true))
	m.record(journal.TypeAnomaly, msg, nil, nil)
	m.alert(msg)
}

func (m *Manager) tell(level notifier.Level, format string, args ...any) {
	if err := m.notify.Notify(level, fmt.Sprintf(format, args...)); err != nil {
		m.log.Warn("notify failed", zap.Error(err))
	}
}

func (m *Manager) alert(msg string) {
	if err := m.notify.Alert(msg); err != nil {
		m.log.Error("alert delivery failed", zap.Error(err), zap.Bool("alert", true))
	}
}

func (m *Manager) record(typ, desc string, o *order.Order, data map[string]any) {
	ctx, cancel := context.WithTimeout(m.opCtx, 5*time.Second)
	defer cancel()
	ev := journal.Event{
		Time:        time.Now().UTC(),
		GroupID:     m.group.ID,
		Type:        typ,
		Description: desc,
		Data:        data,
		Order:       o,
	}
	if err := m.journal.LogEvent(ctx, ev); err != nil {
		m.log.Warn("journal write failed", zap.String("type", typ), zap.Error(err))
	}
}
