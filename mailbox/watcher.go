package mailbox

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yllada/tunnel-supervisor/common"
)

// Watcher polls a mailbox at a fixed interval and hands every message it
// takes to a callback. A write notification, when available, triggers an
// early poll; notifications never replace the interval. A bare create
// does not, since an in-place writer has not written anything yet.
type Watcher struct {
	box      *Mailbox
	interval time.Duration
}

// NewWatcher creates a watcher for box polling every interval.
func NewWatcher(box *Mailbox, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = common.CommandPollInterval
	}
	return &Watcher{box: box, interval: interval}
}

// Run delivers messages until ctx is cancelled. Delivery happens on the
// calling goroutine, one message at a time.
func (w *Watcher) Run(ctx context.Context, deliver func(Message)) error {
	if err := common.EnsureDir(w.box.Dir()); err != nil {
		return common.WrapError(err, "failed to create mailbox directory")
	}

	common.LogInfo("Mailbox watcher started, watching: %s", w.box.Path())
	defer common.LogInfo("Mailbox watcher stopped: %s", w.box.Name())

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw, err := fsnotify.NewWatcher(); err != nil {
		common.LogWarn("fsnotify unavailable, polling %s only: %v", w.box.Name(), err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.box.Dir()); err != nil {
			common.LogWarn("fsnotify add failed, polling %s only: %v", w.box.Name(), err)
		} else {
			events = fw.Events
			errs = fw.Errors
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(deliver)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(deliver)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != w.box.Name() {
				continue
			}
			if !ev.Has(fsnotify.Write) {
				continue
			}
			w.poll(deliver)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			common.LogWarn("fsnotify error on %s: %v", w.box.Name(), err)
		}
	}
}

func (w *Watcher) poll(deliver func(Message)) {
	msg, ok, err := w.box.TakeMessage()
	if err != nil {
		common.LogError("Mailbox %s: %v", w.box.Name(), err)
		return
	}
	if ok {
		deliver(msg)
	}
}
