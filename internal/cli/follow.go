package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/core"
)

// followInbox prints unread messages as they arrive until the command's
// context ends. Against a server it wakes on pushed message events; against
// the local store it watches the database files for writes.
func followInbox(cmd *cobra.Command, ctx *CommandContext, deps Deps, agent string, opts core.InboxOptions) error {
	runCtx := cmd.Context()
	out := cmd.OutOrStdout()
	seen := make(map[string]bool)
	opts.UnreadOnly = true
	opts.Limit = 0

	poll := func() error {
		items, err := ctx.Store.Inbox(runCtx, ctx.Project, agent, opts)
		if err != nil {
			return err
		}
		now := deps.now()
		// Inbox is newest first; print in arrival order.
		for i := len(items) - 1; i >= 0; i-- {
			it := items[i]
			if seen[it.Message.ID] {
				continue
			}
			seen[it.Message.ID] = true
			if ctx.JSONMode {
				if err := writeJSON(cmd, it); err != nil {
					return err
				}
				continue
			}
			printInboxItem(out, it, now)
		}
		return nil
	}

	wake := make(chan struct{}, 1)
	var events <-chan fsnotify.Event
	var watchErrs <-chan error

	if ctx.Remote != nil {
		wsc := client.NewWSClient(ctx.Remote.BaseURL, agent,
			client.WithWSAPIKey(ctx.Remote.APIKey),
			client.WithWSProject(ctx.Project),
			client.WithWSEventTypes(string(core.EventMessageCreated)),
		)
		wsc.OnEvent(func(client.Event) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err := wsc.Connect(runCtx); err != nil {
			return err
		}
		defer wsc.Close()
	} else {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watch store: %w", err)
		}
		defer watcher.Close()
		dbPath := ctx.Config.Store.Path
		if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
			return fmt.Errorf("watch %s: %w", filepath.Dir(dbPath), err)
		}
		events, watchErrs = watcher.Events, watcher.Errors
	}

	// The watch is in place before the first poll so nothing slips between.
	if err := poll(); err != nil {
		return err
	}

	base := filepath.Base(ctx.Config.Store.Path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if strings.HasPrefix(filepath.Base(ev.Name), base) {
					debounce.Reset(followDebounce)
				}
			}
		case err, ok := <-watchErrs:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch store: %w", err)
		case <-debounce.C:
			if err := poll(); err != nil {
				return err
			}
		case <-wake:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}
