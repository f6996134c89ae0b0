package logsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Follow copies everything written to the file at path to w until ctx is
// cancelled, then drains whatever was appended in the meantime. It starts
// from the beginning of the file.
func Follow(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching log %s: %w", path, err)
	}

	// Catch up on anything written before the watch was in place.
	if _, err := io.Copy(w, f); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_, err := io.Copy(w, f)
			return err

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}
			if _, err := io.Copy(w, f); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("log watcher error", "path", path, "error", err)
		}
	}
}
