package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/storage"
	logx "circuitpoll/pkg/logx"
)

const (
	slowReadThreshold = 750 * time.Millisecond
	storeWriteTimeout = 2 * time.Second
)

// execute runs j once. Failures are recorded and the job is dropped; the
// scheduler never requeues on its own.
func (d *Dispatcher) execute(ctx context.Context, c *circuit, j job.Job, polled, queuedAt time.Time) {
	key := j.Key()
	queueDelay := polled.Sub(queuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	token := ""
	if d.deps.Session != nil {
		token = d.deps.Session.SessionToken()
	}

	start := d.now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				d.log.Error("job.panic",
					logx.String("circuit", string(c.id)),
					logx.Stringer("job", key),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		err = j.Execute(ctx, d.deps.Client, token)
	}()
	dur := d.now().Sub(start)

	c.dispatched.Add(1)
	c.lastRun.Store(start.UnixNano())
	d.dispatched.Add(1)

	ev := JobEvent{
		Circuit:    string(c.id),
		Device:     string(key.Device),
		Kind:       string(key.Kind),
		Readiness:  j.ReadinessTimestamp(),
		QueueDelay: queueDelay,
		Duration:   dur,
	}
	item := HistoryItem{
		Circuit:    string(c.id),
		Device:     string(key.Device),
		Kind:       string(key.Kind),
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
	}
	if err != nil {
		c.failed.Add(1)
		d.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		d.log.Warn("job.failed",
			logx.String("circuit", string(c.id)),
			logx.Stringer("job", key),
			logx.Err(err),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
		)
		d.publish(EventJobFailed, d.now(), ev)
	} else {
		fields := []logx.Field{
			logx.String("circuit", string(c.id)),
			logx.Stringer("job", key),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
		}
		if dur >= slowReadThreshold {
			d.log.Info("job.completed", fields...)
		} else {
			d.log.Debug("job.completed", fields...)
		}
		d.publish(EventJobDispatched, d.now(), ev)
	}
	d.metrics.RecordDispatch(d.cfg.Name, string(c.id), queueDelay, dur, err != nil)

	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	d.hmu.Unlock()

	if d.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		serr := d.store.AppendDispatch(sctx, storage.Record{
			At:           start,
			Scheduler:    d.cfg.Name,
			Circuit:      item.Circuit,
			Device:       item.Device,
			Kind:         item.Kind,
			QueueDelayMS: queueDelay.Milliseconds(),
			TookMS:       dur.Milliseconds(),
			OK:           err == nil,
			Error:        item.Error,
		})
		cancel()
		if serr != nil {
			d.log.Debug("dispatch history write failed", logx.Err(serr))
		}
	}
}
