package scenario

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"kvsync/internal/channel"
	"kvsync/internal/identity"
	"kvsync/internal/kvstore"
	"kvsync/internal/logging"
	"kvsync/internal/monitor"
	"kvsync/pkg/wire"
)

// ErrExpectation is matched by every failed expectation.
var ErrExpectation = errors.New("scenario: expectation failed")

var log = logging.For("scenario")

// Option configures Run.
type Option func(*runner)

// WithUpdatingPersister persists monitors incrementally, consolidating
// every maxPending updates. The default rewrites the full monitor.
func WithUpdatingPersister(maxPending int) Option {
	return func(r *runner) { r.maxPending = maxPending }
}

// Report is what each node had persisted after every step.
type Report struct {
	Scenario string
	Nodes    []string
	Steps    []StepResult
}

// StepResult is the observed state after one step.
type StepResult struct {
	Index    int
	Action   Action
	Elapsed  time.Duration
	Observed map[string]Observation
}

// Observation is one node's persisted monitors.
type Observation struct {
	Records   int
	UpdateIDs []UpdateID
}

// Print writes the report as a table.
func (r *Report) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STEP\tACTION")
	for _, n := range r.Nodes {
		fmt.Fprintf(tw, "\t%s", strings.ToUpper(n))
	}
	fmt.Fprintln(tw)
	for _, st := range r.Steps {
		fmt.Fprintf(tw, "%d\t%s", st.Index, st.Action)
		for _, n := range r.Nodes {
			obs := st.Observed[n]
			ids := make([]string, len(obs.UpdateIDs))
			for i, id := range obs.UpdateIDs {
				ids[i] = id.String()
			}
			fmt.Fprintf(tw, "\t%d [%s]", obs.Records, strings.Join(ids, ","))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

type runner struct {
	sc         *Scenario
	stores     map[string]kvstore.Store
	maxPending int

	net   *channel.Network
	nodes map[string]*channel.Node
}

// Run plays sc with each node persisting into stores[name]. It stops at
// the first failing step; the report covers the steps that ran.
func Run(sc *Scenario, stores map[string]kvstore.Store, opts ...Option) (*Report, error) {
	r := &runner{
		sc:     sc,
		stores: stores,
		net:    channel.NewNetwork(),
		nodes:  make(map[string]*channel.Node),
	}
	for _, opt := range opts {
		opt(r)
	}
	defer r.net.Close()

	report := &Report{Scenario: sc.Name, Nodes: slices.Clone(sc.Nodes)}
	for _, name := range sc.Nodes {
		if _, ok := stores[name]; !ok {
			return report, fmt.Errorf("scenario: no store for node %q", name)
		}
		p, err := r.persister(name)
		if err != nil {
			return report, err
		}
		n := channel.NewNode(name, identity.Named(name), p)
		if err := r.net.Add(n); err != nil {
			return report, err
		}
		r.nodes[name] = n
	}

	log.Info("scenario started", "name", sc.Name, "steps", len(sc.Steps))
	for i, st := range sc.Steps {
		start := time.Now()
		if err := r.step(st); err != nil {
			return report, fmt.Errorf("steps[%d] (%s): %w", i, st.Action, err)
		}
		res := StepResult{Index: i, Action: st.Action, Elapsed: time.Since(start), Observed: map[string]Observation{}}
		var failed []error
		for _, name := range sc.Nodes {
			obs, err := r.observe(name)
			if err != nil {
				return report, fmt.Errorf("steps[%d] (%s): observing %s: %w", i, st.Action, name, err)
			}
			res.Observed[name] = obs
			if exp, ok := st.Expect[name]; ok {
				failed = append(failed, check(name, exp, obs))
			}
		}
		report.Steps = append(report.Steps, res)
		log.Debug("step done", "index", i, "action", st.Action, "elapsed", res.Elapsed)
		if err := errors.Join(failed...); err != nil {
			return report, fmt.Errorf("steps[%d] (%s): %w", i, st.Action, err)
		}
	}
	log.Info("scenario passed", "name", sc.Name)
	return report, nil
}

func (r *runner) persister(name string) (monitor.Persister, error) {
	if r.maxPending > 0 {
		return monitor.NewUpdatingPersister(r.stores[name], r.maxPending)
	}
	return monitor.NewStorePersister(r.stores[name]), nil
}

func (r *runner) step(st Step) error {
	switch st.Action {
	case ActionCheck:
		return nil
	case ActionOpen:
		funding := st.FundingSat
		if funding == 0 {
			funding = r.sc.FundingSat
		}
		_, err := r.net.OpenChannel(r.nodes[st.From], r.nodes[st.To], funding, st.PushMsat)
		return err
	case ActionPay:
		_, err := r.net.SendPayment(r.nodes[st.From], r.nodes[st.To], st.AmountMsat)
		return err
	case ActionForceClose:
		id, err := r.firstChannel(st.Node)
		if err != nil {
			return err
		}
		_, err = r.net.ForceClose(r.nodes[st.Node], id)
		return err
	case ActionConfirmClose:
		_, err := r.net.ConfirmBroadcasts(r.nodes[st.Node])
		return err
	case ActionCooperativeClose:
		id, err := r.firstChannel(st.From)
		if err != nil {
			return err
		}
		return r.net.CooperativeClose(r.nodes[st.From], r.nodes[st.To], id)
	case ActionRestart:
		p, err := r.persister(st.Node)
		if err != nil {
			return err
		}
		n, err := channel.RestoreNode(st.Node, identity.Named(st.Node), p)
		if err != nil {
			return err
		}
		if err := r.net.Replace(n); err != nil {
			return err
		}
		r.nodes[st.Node] = n
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalid, st.Action)
}

func (r *runner) firstChannel(name string) (wire.Hash, error) {
	ids := r.nodes[name].Channels()
	if len(ids) == 0 {
		return wire.Hash{}, fmt.Errorf("%w: %s has no channel", channel.ErrUnknownChannel, name)
	}
	return ids[0], nil
}

// observe reads a node's store the way a restarting node would.
func (r *runner) observe(name string) (Observation, error) {
	s := r.stores[name]
	keys, err := s.List(monitor.MonitorNamespace, "")
	if err != nil {
		return Observation{}, err
	}
	p, err := r.persister(name)
	if err != nil {
		return Observation{}, err
	}
	monitors, err := p.ReadChannelMonitors()
	if err != nil {
		return Observation{}, err
	}
	obs := Observation{Records: len(keys)}
	for _, m := range monitors {
		obs.UpdateIDs = append(obs.UpdateIDs, UpdateID(m.LatestUpdateID))
	}
	return obs, nil
}

func check(name string, exp Expectation, obs Observation) error {
	var errs []error
	if exp.Records != nil && *exp.Records != obs.Records {
		errs = append(errs, fmt.Errorf("%w: %s has %d records, want %d", ErrExpectation, name, obs.Records, *exp.Records))
	}
	if exp.UpdateID != nil {
		if len(obs.UpdateIDs) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s has no monitor, want update id %s", ErrExpectation, name, *exp.UpdateID))
		}
		for _, id := range obs.UpdateIDs {
			if id != *exp.UpdateID {
				errs = append(errs, fmt.Errorf("%w: %s at update id %s, want %s", ErrExpectation, name, id, *exp.UpdateID))
			}
		}
	}
	return errors.Join(errs...)
}
