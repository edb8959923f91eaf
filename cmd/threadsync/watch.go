package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/threadsync"
	"github.com/aixgo-dev/threadsync/pkg/history"
	"github.com/aixgo-dev/threadsync/pkg/reactive"
	"github.com/aixgo-dev/threadsync/pkg/reconcile"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

var (
	watchFollow  bool
	watchLoadAll bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <thread>",
	Short: "Watch a reconciled thread",
	Long: `Watch opens a reconciled view of a thread. By default it starts an
interactive prompt; with --follow it prints every snapshot as it changes.

Prompt commands:
  more [n]          load n older messages (default page_size)
  show              print the current snapshot
  switch <thread>   watch another thread
  pause             suspend all queries
  quit              exit`,
	Args: threadArg,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVarP(&watchFollow, "follow", "f", false, "print every snapshot instead of prompting")
	watchCmd.Flags().BoolVar(&watchLoadAll, "load-all", false, "with --follow, keep loading older pages until exhausted")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sel := reactive.NewObservable(thread.Args{ThreadID: args[0]})
	th, err := threadsync.Open(ctx, e.cfg, e.backend, sel, e.log)
	if err != nil {
		return err
	}
	defer th.Close()

	w := &watcher{out: cmd.OutOrStdout(), sel: sel, th: th, pageSize: e.cfg.Thread.PageSize}
	if watchFollow {
		return w.follow(ctx, watchLoadAll)
	}
	return w.prompt(ctx)
}

type watcher struct {
	out      io.Writer
	sel      *reactive.Observable[thread.Args]
	th       *reconcile.Thread
	pageSize int
}

func (w *watcher) show(snap reconcile.Snapshot) {
	id := w.sel.Current().ThreadID
	if id == "" {
		id = "(paused)"
	}
	renderSnapshot(w.out, id, snap)
}

// follow prints snapshots until ctx ends. Only the latest pending snapshot
// is printed when the terminal falls behind.
func (w *watcher) follow(ctx context.Context, loadAll bool) error {
	updates := make(chan reconcile.Snapshot, 1)
	unsubscribe := w.th.Output().Subscribe(func(s reconcile.Snapshot) {
		select {
		case <-updates:
		default:
		}
		updates <- s
	})
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.show(w.th.Snapshot())
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-updates:
				w.show(s)
			}
		}
	})
	if loadAll {
		g.Go(func() error { return w.loadAll(ctx) })
	}
	return g.Wait()
}

func (w *watcher) loadAll(ctx context.Context) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		switch w.th.Snapshot().Status {
		case history.Exhausted:
			return nil
		case history.CanLoadMore:
			if _, err := w.th.LoadMore(ctx, w.pageSize); err != nil && ctx.Err() == nil {
				return fmt.Errorf("load more: %w", err)
			}
		}
	}
}

var promptCommands = []string{"more", "show", "switch", "pause", "help", "quit"}

type command struct {
	name string
	n    int
	arg  string
}

func parseCommand(input string, pageSize int) (command, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return command{}, nil
	}
	c := command{name: strings.ToLower(fields[0])}
	switch c.name {
	case "more", "m":
		c.name = "more"
		c.n = pageSize
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("more: %q is not a positive count", fields[1])
			}
			c.n = n
		}
	case "switch":
		if len(fields) != 2 {
			return command{}, errors.New("usage: switch <thread>")
		}
		if err := thread.ValidateID(fields[1]); err != nil {
			return command{}, err
		}
		c.arg = fields[1]
	case "exit", "q":
		c.name = "quit"
	case "show", "pause", "help", "quit":
	default:
		return command{}, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return c, nil
}

func (w *watcher) prompt(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) (c []string) {
		for _, name := range promptCommands {
			if strings.HasPrefix(name, strings.ToLower(input)) {
				c = append(c, name)
			}
		}
		return
	})

	w.show(w.th.Snapshot())
	for ctx.Err() == nil {
		input, err := line.Prompt("threadsync> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line.AppendHistory(input)

		c, err := parseCommand(input, w.pageSize)
		if err != nil {
			fmt.Fprintln(w.out, err)
			continue
		}
		if c.name == "quit" {
			return nil
		}
		if err := w.run(ctx, c); err != nil {
			fmt.Fprintln(w.out, err)
		}
	}
	return nil
}

func (w *watcher) run(ctx context.Context, c command) error {
	switch c.name {
	case "more":
		started, err := w.th.LoadMore(ctx, c.n)
		if err != nil {
			return err
		}
		if !started {
			fmt.Fprintln(w.out, "nothing to load")
			return nil
		}
		w.show(w.th.Snapshot())
	case "show":
		w.show(w.th.Snapshot())
	case "switch":
		w.sel.Set(thread.Args{ThreadID: c.arg})
	case "pause":
		w.sel.Set(thread.SkipArgs)
	case "help":
		fmt.Fprintln(w.out, "commands: "+strings.Join(promptCommands, ", "))
	}
	return nil
}
