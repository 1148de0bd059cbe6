package main

import (
	"fmt"

	"github.com/distmc/quiesce/datarecording"
	"github.com/distmc/quiesce/hooking"
	"github.com/distmc/quiesce/monitoring"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

// observers holds the optional recorder and monitor of a run.
type observers struct {
	db      datarecording.DataRecorder
	exec    *datarecording.ExecRecorder
	rec     *datarecording.Recorder
	monitor *monitoring.Monitor
	bar     *monitoring.ProgressBar
}

func newObservers(
	cfg monitorSettings,
	clock transport.Clock,
) *observers {
	o := &observers{}

	if cfg.recordPath != "" {
		o.db = datarecording.New(cfg.recordPath)
		o.exec = datarecording.NewExecRecorder(o.db)
		o.exec.Start()
		o.rec = datarecording.NewRecorder(o.db, clock)
	}

	if cfg.monitor {
		o.monitor = monitoring.NewMonitor().
			WithPortNumber(cfg.port).
			WithOpenBrowser(cfg.openBrowser)
		o.monitor.StartServer()
	}

	return o
}

type monitorSettings struct {
	recordPath  string
	monitor     bool
	port        int
	openBrowser bool
}

func (o *observers) hooks() []hooking.Hook {
	var hooks []hooking.Hook

	if o.rec != nil {
		hooks = append(hooks, o.rec)
	}

	if o.monitor != nil {
		hooks = append(hooks, o.monitor)
	}

	return hooks
}

func (o *observers) attach(d *termination.Detector) {
	for _, h := range o.hooks() {
		d.Network().AcceptHook(h)
		d.AcceptHook(h)
	}
}

func (o *observers) register(name string, c any) {
	if o.monitor != nil {
		o.monitor.RegisterComponent(name, c)
	}
}

func (o *observers) set(property string, value any) {
	if o.exec != nil {
		o.exec.Set(property, value)
	}
}

func (o *observers) progress(name string, total uint64) {
	if o.monitor != nil {
		o.bar = o.monitor.CreateProgressBar(name, total)
	}
}

func (o *observers) advance(n uint64) {
	if o.bar != nil && n > 0 {
		o.bar.IncrementFinished(n)
	}
}

func (o *observers) stats(d *termination.Detector) {
	if o.rec != nil {
		o.rec.RecordStats(d.Rank(), d.Network().Stats(), d.Stats())
	}
}

func (o *observers) close() error {
	if o.monitor != nil {
		if o.bar != nil {
			o.monitor.CompleteProgressBar(o.bar)
		}

		if err := o.monitor.Close(); err != nil {
			return err
		}
	}

	if o.db != nil {
		o.exec.End()
		o.rec.Flush()

		if err := o.db.Close(); err != nil {
			return fmt.Errorf("closing recording: %w", err)
		}
	}

	return nil
}
