package monitor

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"kvsync/internal/kvstore"
	"kvsync/internal/logging"
)

// Store layout.
const (
	MonitorNamespace = "monitors"
	UpdateNamespace  = "monitor_updates"
)

// ErrKeyMismatch is returned for a record stored under a key other than
// its funding outpoint's.
var ErrKeyMismatch = errors.New("monitor: record key does not match funding outpoint")

var plog = logging.For("monitor")

// Persister makes monitor state durable.
type Persister interface {
	// PersistNew stores a freshly funded monitor.
	PersistNew(m *Monitor) error
	// PersistUpdate stores u; m already has u applied.
	PersistUpdate(m *Monitor, u *Update) error
	// ReadChannelMonitors returns every persisted monitor, current as of
	// its last persisted update.
	ReadChannelMonitors() ([]*Monitor, error)
}

// UpdateKey is the store key of update id within its monitor's update
// namespace. Zero padding keeps lexical and numeric order equal.
func UpdateKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// ReadChannelMonitors lists and decodes every monitor in s, in key order.
func ReadChannelMonitors(s kvstore.Store) ([]*Monitor, error) {
	keys, err := s.List(MonitorNamespace, "")
	if err != nil {
		return nil, fmt.Errorf("listing monitors: %w", err)
	}
	slices.Sort(keys)
	out := make([]*Monitor, 0, len(keys))
	for _, key := range keys {
		m, err := readMonitor(s, key)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func readMonitor(s kvstore.Store, key string) (*Monitor, error) {
	data, err := s.Read(MonitorNamespace, "", key)
	if err != nil {
		return nil, fmt.Errorf("reading monitor %s: %w", key, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("monitor %s: %w", key, err)
	}
	if m.Key() != key {
		return nil, fmt.Errorf("%w: stored as %s, funding %s", ErrKeyMismatch, key, m.Key())
	}
	return m, nil
}

// StorePersister rewrites the full monitor on every update.
type StorePersister struct {
	store kvstore.Store
}

func NewStorePersister(s kvstore.Store) *StorePersister {
	return &StorePersister{store: s}
}

func (p *StorePersister) PersistNew(m *Monitor) error {
	return writeMonitor(p.store, m)
}

func (p *StorePersister) PersistUpdate(m *Monitor, _ *Update) error {
	return writeMonitor(p.store, m)
}

func (p *StorePersister) ReadChannelMonitors() ([]*Monitor, error) {
	return ReadChannelMonitors(p.store)
}

func writeMonitor(s kvstore.Store, m *Monitor) error {
	if err := s.Write(MonitorNamespace, "", m.Key(), Encode(m)); err != nil {
		return fmt.Errorf("writing monitor %s: %w", m.Key(), err)
	}
	return nil
}

// UpdatingPersister writes each update as its own record and rewrites the
// full monitor every maxPending updates, or when the channel closes. The
// consolidated update records are then removed lazily.
type UpdatingPersister struct {
	store      kvstore.Store
	maxPending uint64
}

func NewUpdatingPersister(s kvstore.Store, maxPending int) (*UpdatingPersister, error) {
	if maxPending < 1 {
		return nil, fmt.Errorf("monitor: max pending updates must be positive, got %d", maxPending)
	}
	return &UpdatingPersister{store: s, maxPending: uint64(maxPending)}, nil
}

func (p *UpdatingPersister) PersistNew(m *Monitor) error {
	if err := writeMonitor(p.store, m); err != nil {
		return err
	}
	return p.cleanup(m.Key())
}

func (p *UpdatingPersister) PersistUpdate(m *Monitor, u *Update) error {
	if u.UpdateID == ClosedUpdateID || u.UpdateID%p.maxPending == 0 {
		if err := writeMonitor(p.store, m); err != nil {
			return err
		}
		plog.Debug("consolidated monitor", "monitor", m.Key(), "update_id", u.UpdateID)
		return p.cleanup(m.Key())
	}
	key := UpdateKey(u.UpdateID)
	if err := p.store.Write(UpdateNamespace, m.Key(), key, EncodeUpdate(u)); err != nil {
		return fmt.Errorf("writing update %s/%s: %w", m.Key(), key, err)
	}
	return nil
}

// ReadChannelMonitors reads every monitor and replays its pending
// updates. Updates already folded into the full record are skipped.
func (p *UpdatingPersister) ReadChannelMonitors() ([]*Monitor, error) {
	monitors, err := ReadChannelMonitors(p.store)
	if err != nil {
		return nil, err
	}
	for _, m := range monitors {
		updates, err := p.pending(m.Key())
		if err != nil {
			return nil, err
		}
		for _, u := range updates {
			if u.UpdateID <= m.LatestUpdateID {
				continue
			}
			if err := m.Apply(u); err != nil {
				return nil, fmt.Errorf("replaying update %d on %s: %w", u.UpdateID, m.Key(), err)
			}
		}
	}
	return monitors, nil
}

// PendingUpdates returns how many update records exist for key.
func (p *UpdatingPersister) PendingUpdates(key string) (int, error) {
	keys, err := p.store.List(UpdateNamespace, key)
	return len(keys), err
}

func (p *UpdatingPersister) pending(key string) ([]*Update, error) {
	keys, err := p.store.List(UpdateNamespace, key)
	if err != nil {
		return nil, fmt.Errorf("listing updates of %s: %w", key, err)
	}
	slices.Sort(keys)
	out := make([]*Update, 0, len(keys))
	for _, k := range keys {
		data, err := p.store.Read(UpdateNamespace, key, k)
		if err != nil {
			return nil, fmt.Errorf("reading update %s/%s: %w", key, k, err)
		}
		u, err := DecodeUpdate(data)
		if err != nil {
			return nil, fmt.Errorf("update %s/%s: %w", key, k, err)
		}
		if id, perr := strconv.ParseUint(k, 10, 64); perr != nil || id != u.UpdateID {
			return nil, fmt.Errorf("%w: update %s/%s holds id %d", ErrKeyMismatch, key, k, u.UpdateID)
		}
		out = append(out, u)
	}
	return out, nil
}

func (p *UpdatingPersister) cleanup(key string) error {
	keys, err := p.store.List(UpdateNamespace, key)
	if err != nil {
		return fmt.Errorf("listing updates of %s: %w", key, err)
	}
	for _, k := range keys {
		if err := p.store.Remove(UpdateNamespace, key, k, true); err != nil {
			return fmt.Errorf("removing update %s/%s: %w", key, k, err)
		}
	}
	return nil
}

var (
	_ Persister = (*StorePersister)(nil)
	_ Persister = (*UpdatingPersister)(nil)
)
