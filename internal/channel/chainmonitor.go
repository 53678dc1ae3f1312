package channel

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"kvsync/internal/monitor"
)

var (
	ErrUnknownMonitor = errors.New("channel: unknown monitor")
	ErrMonitorFailed  = errors.New("channel: monitor persistence failed")
	ErrStaleBlock     = errors.New("channel: stale block")
)

type watched struct {
	m   *monitor.Monitor
	seq monitor.Sequence
	// failed is set once a persist error leaves the stored state unknown.
	failed    bool
	confirmed bool
}

func (w *watched) nextID() uint64 {
	if w.seq.Closed() {
		return monitor.ClosedUpdateID
	}
	return w.seq.Current() + 1
}

// ChainMonitor owns a node's monitors. Every change is applied to a copy,
// persisted, and only then made visible.
type ChainMonitor struct {
	persister monitor.Persister
	log       *slog.Logger

	mu       sync.Mutex
	monitors map[string]*watched
	best     uint32
}

func NewChainMonitor(p monitor.Persister, log *slog.Logger) *ChainMonitor {
	return &ChainMonitor{
		persister: p,
		log:       log,
		monitors:  make(map[string]*watched),
	}
}

// Watch persists a newly funded monitor and starts tracking it.
func (c *ChainMonitor) Watch(m *monitor.Monitor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := m.Key()
	if _, ok := c.monitors[key]; ok {
		return fmt.Errorf("channel: monitor %s already watched", key)
	}
	if err := c.persister.PersistNew(m.Clone()); err != nil {
		return fmt.Errorf("persisting new monitor %s: %w", key, err)
	}
	c.track(m)
	c.log.Info("watching channel", "monitor", key, "update_id", m.LatestUpdateID)
	return nil
}

// track adopts m without persisting it.
func (c *ChainMonitor) track(m *monitor.Monitor) {
	w := &watched{m: m.Clone()}
	if m.Closed {
		w.seq.Close()
	} else {
		w.seq.SetFloor(m.LatestUpdateID)
	}
	c.monitors[m.Key()] = w
}

// Update applies steps as the monitor's next update and persists it.
func (c *ChainMonitor) Update(key string, steps ...monitor.Step) (*monitor.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return c.apply(w, &monitor.Update{UpdateID: w.nextID(), Steps: steps})
}

// ForceClose moves the monitor to ClosedUpdateID. broadcast is set when
// the holder is the one publishing its commitment. A monitor whose last
// persist failed can still be closed from its last persisted state; the
// closing record overwrites whatever the failed write left behind.
func (c *ChainMonitor) ForceClose(key string, broadcast bool) (*monitor.Monitor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.monitors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, key)
	}
	if w.m.Closed {
		return nil, fmt.Errorf("%w: %s", monitor.ErrClosed, key)
	}
	u := &monitor.Update{
		UpdateID: monitor.ClosedUpdateID,
		Steps:    []monitor.Step{monitor.ChannelForceClosed{ShouldBroadcast: broadcast}},
	}
	if _, err := c.apply(w, u); err != nil {
		return nil, err
	}
	return w.m.Clone(), nil
}

// ConnectBlock processes a block. A commitment transaction spending a
// watched funding outpoint closes its monitor.
func (c *ChainMonitor) ConnectBlock(b *Block) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.Height <= c.best {
		return nil, fmt.Errorf("%w: height %d, best %d", ErrStaleBlock, b.Height, c.best)
	}
	c.best = b.Height

	var events []Event
	for _, tx := range b.Txs {
		if tx.Kind != TxCommitment {
			continue
		}
		w, ok := c.monitors[tx.Spends.Key()]
		if !ok || w.confirmed {
			continue
		}
		if !w.m.Closed {
			u := &monitor.Update{
				UpdateID: monitor.ClosedUpdateID,
				Steps:    []monitor.Step{monitor.ChannelForceClosed{ShouldBroadcast: false}},
			}
			if _, err := c.apply(w, u); err != nil {
				return events, err
			}
		}
		w.confirmed = true
		c.log.Info("commitment confirmed", "monitor", w.m.Key(), "height", b.Height)
		events = append(events, Event{
			Kind:      EventCommitmentTxConfirmed,
			ChannelID: w.m.ChannelID,
			Tx:        tx,
			Height:    b.Height,
		})
	}
	return events, nil
}

// BestBlock returns the height of the last connected block.
func (c *ChainMonitor) BestBlock() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best
}

// Monitor returns a copy of the monitor stored under key.
func (c *ChainMonitor) Monitor(key string) (*monitor.Monitor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.monitors[key]
	if !ok {
		return nil, false
	}
	return w.m.Clone(), true
}

// Monitors returns copies of every monitor in key order.
func (c *ChainMonitor) Monitors() []*monitor.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*monitor.Monitor, 0, len(c.monitors))
	for _, w := range c.monitors {
		out = append(out, w.m.Clone())
	}
	slices.SortFunc(out, func(a, b *monitor.Monitor) int {
		return bytes.Compare(a.ChannelID[:], b.ChannelID[:])
	})
	return out
}

// lookup returns a monitor that may take regular updates.
func (c *ChainMonitor) lookup(key string) (*watched, error) {
	w, ok := c.monitors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, key)
	}
	if w.failed {
		return nil, fmt.Errorf("%w: %s", ErrMonitorFailed, key)
	}
	return w, nil
}

func (c *ChainMonitor) apply(w *watched, u *monitor.Update) (*monitor.Update, error) {
	next := w.m.Clone()
	if err := next.Apply(u); err != nil {
		return nil, fmt.Errorf("applying update %d to %s: %w", u.UpdateID, w.m.Key(), err)
	}
	if err := c.persister.PersistUpdate(next.Clone(), u); err != nil {
		w.failed = true
		c.log.Error("monitor update not persisted", "monitor", w.m.Key(), "update_id", u.UpdateID, "err", err)
		return nil, fmt.Errorf("%w: %s update %d: %w", ErrMonitorFailed, w.m.Key(), u.UpdateID, err)
	}
	w.m = next
	if u.UpdateID == monitor.ClosedUpdateID {
		w.failed = false
		w.seq.Close()
	} else {
		w.seq.Next()
	}
	c.log.Debug("monitor updated", "monitor", w.m.Key(), "update_id", u.UpdateID, "steps", len(u.Steps))
	return u, nil
}
