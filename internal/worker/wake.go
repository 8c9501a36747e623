package worker

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/grind/internal/logging"
)

// wakeDebounce coalesces the burst of events one append or claim produces.
const wakeDebounce = 25 * time.Millisecond

// waker turns filesystem activity in the log and lock directories into a
// wake-up signal for an idle worker.
type waker struct {
	watcher *fsnotify.Watcher
	wake    chan struct{}
	stopCh  chan struct{}
	logger  *logging.Logger
}

func newWaker(logger *logging.Logger, dirs ...string) (*waker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}

	w := &waker{
		watcher: watcher,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	go w.watchLoop()
	return w, nil
}

// C delivers at most one pending wake-up.
func (w *waker) C() <-chan struct{} {
	return w.wake
}

func (w *waker) stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *waker) watchLoop() {
	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case <-w.stopCh:
			debounce.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Lock removals matter as much as log writes.
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(wakeDebounce)

		case <-debounce.C:
			select {
			case w.wake <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err.Error())
		}
	}
}
