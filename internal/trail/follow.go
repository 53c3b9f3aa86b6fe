package trail

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Follow tails the trail, invoking fn for every entry appended after the
// call. It returns when ctx is cancelled. The trail file is watched with
// fsnotify; a truncation (a new run starting) resets the read offset.
func Follow(ctx context.Context, stateDir string, fn func(Entry)) error {
	path := filepath.Join(stateDir, trailFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating trail watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory rather than the file so creation by a new run is
	// observed even when the trail does not exist yet.
	if err := watcher.Add(stateDir); err != nil {
		return fmt.Errorf("error watching %v: %w", stateDir, err)
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	drain := func() error {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			offset = 0
			return nil
		}
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() < offset {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var e Entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				continue
			}
			fn(e)
		}
		offset, err = f.Seek(0, io.SeekCurrent)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != trailFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := drain(); err != nil {
				return fmt.Errorf("error tailing activity trail: %w", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("trail watcher error: %w", err)
		case <-time.After(time.Second):
			// poll fallback for filesystems with unreliable notification
			if err := drain(); err != nil {
				return fmt.Errorf("error tailing activity trail: %w", err)
			}
		}
	}
}
