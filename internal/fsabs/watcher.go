package fsabs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyWatcher is the one concrete Watcher forge ships, grounding
// spec section 6's filesystem-event contract in a real recursive
// notify.Watcher instead of leaving it purely abstract.
type fsnotifyWatcher struct{}

// NewWatcher returns the fsnotify-backed Watcher.
func NewWatcher() Watcher {
	return &fsnotifyWatcher{}
}

type subscription struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.watcher.Close()
}

func ignored(path string, ignore []string) bool {
	for _, pattern := range ignore {
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
		if strings.Contains(path, string(os.PathSeparator)+pattern+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func addRecursive(w *fsnotify.Watcher, root string, opts WatchOptions) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ignored(path, opts.Ignore) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Watch recursively watches dir and invokes callback with batches of
// events. The returned Subscription stops delivery when closed.
func (w *fsnotifyWatcher) Watch(dir string, callback func([]Event), opts WatchOptions) (Subscription, error) {
	nw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addRecursive(nw, dir, opts); err != nil {
		nw.Close()
		return nil, err
	}
	sub := &subscription{watcher: nw, done: make(chan struct{})}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev, ok := <-nw.Events:
				if !ok {
					return
				}
				if ignored(ev.Name, opts.Ignore) {
					continue
				}
				var kind EventType
				switch {
				case ev.Op&fsnotify.Create != 0:
					kind = Create
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = addRecursive(nw, ev.Name, opts)
					}
				case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
					kind = Delete
				default:
					kind = Update
				}
				callback([]Event{{Type: kind, Path: ev.Name}})
			case _, ok := <-nw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return sub, nil
}

// GetEventsSince diffs dir's current state against the snapshot written
// earlier by WriteSnapshot, producing the Create/Update/Delete events
// that occurred while nothing was watching (e.g. the process was not
// running). This is the "catch up on restart" half of spec section 6's
// invalidation story.
func (w *fsnotifyWatcher) GetEventsSince(dir, snapshotPath string, opts WatchOptions) ([]Event, error) {
	before, err := readSnapshot(snapshotPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	after := map[string]snapshotEntry{}
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != dir && ignored(path, opts.Ignore) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		after[path] = snapshotEntry{Path: path, ModTime: info.ModTime(), IsDir: info.IsDir()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var events []Event
	for path, entry := range after {
		prior, existed := before[path]
		switch {
		case !existed:
			events = append(events, Event{Type: Create, Path: path})
		case !entry.IsDir && !entry.ModTime.Equal(prior.ModTime):
			events = append(events, Event{Type: Update, Path: path})
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			events = append(events, Event{Type: Delete, Path: path})
		}
	}
	return events, nil
}

// WriteSnapshot records dir's current file modtimes to snapshotPath so a
// later GetEventsSince call can compute what changed since.
func (w *fsnotifyWatcher) WriteSnapshot(dir, snapshotPath string, opts WatchOptions) error {
	f, err := os.Create(snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	defer buf.Flush()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != dir && ignored(path, opts.Ignore) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		isDir := 0
		if info.IsDir() {
			isDir = 1
		}
		_, err = fmt.Fprintf(buf, "%s\t%d\t%d\n", path, info.ModTime().UnixNano(), isDir)
		return err
	})
}

func readSnapshot(path string) (map[string]snapshotEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := map[string]snapshotEntry{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 3 {
			continue
		}
		nanos, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		entries[fields[0]] = snapshotEntry{
			Path:    fields[0],
			ModTime: time.Unix(0, nanos),
			IsDir:   fields[2] == "1",
		}
	}
	return entries, scanner.Err()
}
