package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"fleetconsole/internal/appinfo"
	"fleetconsole/internal/approvals"
	"fleetconsole/internal/console"
	"fleetconsole/internal/consolelog"
	"fleetconsole/internal/cron"
	"fleetconsole/internal/fleet"
)

const connectTimeout = 10 * time.Second

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTUI(args []string) error {
	fs, cf := newFlagSet("tui")
	ui := fs.String("ui", "", "tui or plain (default: console.ui from config)")
	fs.Parse(args)

	a, err := newApp(appOptions{flags: cf, services: true})
	if err != nil {
		return err
	}
	defer a.close()

	mode := strings.ToLower(strings.TrimSpace(a.cfg.Console.UI))
	if strings.TrimSpace(*ui) != "" {
		mode = strings.ToLower(strings.TrimSpace(*ui))
	}
	ctx, stop := signalContext()
	defer stop()

	if mode == "plain" || !term.IsTerminal(int(os.Stdout.Fd())) {
		a.logger.SetTermEnabled(true)
		return a.run(ctx, func(ctx context.Context) error { return watch(ctx, a) })
	}
	return a.run(ctx, func(ctx context.Context) error {
		return console.Run(ctx, os.Stdin, os.Stdout, console.Options{
			Engine:    a.engine,
			Transport: a.client,
			Lifecycle: a.lifecycle,
			Queue:     a.queue,
			Logf:      a.logger.Func(consolelog.KindInfo),
		})
	})
}

func runWatch(args []string) error {
	fs, cf := newFlagSet("watch")
	fs.Parse(args)

	a, err := newApp(appOptions{flags: cf, termLog: true, services: true})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()
	return a.run(ctx, func(ctx context.Context) error { return watch(ctx, a) })
}

func watch(ctx context.Context, a *app) error {
	w := newWatcher(a.store, a.logger.Func(consolelog.KindInfo))
	unsub := a.store.Subscribe(w.observe)
	defer unsub()

	logf := a.logger.Func(consolelog.KindApproval)
	a.onApprovalRequested(func(e approvals.Entry) {
		logf("approval %s requested by %s: %s (expires %s)", e.ID, orDash(e.Request.AgentID),
			consolelog.Preview(e.Request.Command, 120), e.ExpiresAt().Local().Format("15:04:05"))
	})
	a.logger.Logf(consolelog.KindInfo, "%s watching %s", appinfo.Display(), a.cfg.Gateway.URL)
	<-ctx.Done()
	return nil
}

func runAgents(args []string) error {
	fs, cf := newFlagSet("agents")
	withCron := fs.Bool("cron", true, "list each agent's cron jobs")
	fs.Parse(args)

	return oneShot(cf, func(ctx context.Context, a *app) error {
		if err := a.engine.Hydrate(ctx); err != nil {
			return err
		}
		var jobs []cron.Job
		if *withCron {
			var list cron.ListResponse
			if err := a.client.Call(ctx, cron.MethodList, cron.ListParams{IncludeDisabled: true}, &list); err != nil {
				a.logger.Logf(consolelog.KindWarn, "cron.list failed: %v", err)
			} else {
				jobs = list.Jobs
			}
		}
		printAgents(os.Stdout, a.store.Snapshot(), jobs, time.Now())
		return nil
	})
}

func runHistory(args []string) error {
	fs, cf := newFlagSet("history")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: history <agent-id>")
	}
	agentID := strings.TrimSpace(fs.Arg(0))

	return oneShot(cf, func(ctx context.Context, a *app) error {
		if err := a.engine.Hydrate(ctx); err != nil {
			return err
		}
		st, ok := a.store.Get(agentID)
		if !ok {
			return fmt.Errorf("%s: %w", agentID, fleet.ErrUnknownAgent)
		}
		for _, line := range st.OutputLines {
			fmt.Fprintln(os.Stdout, transcriptLine(line))
		}
		if len(st.OutputLines) == 0 {
			fmt.Fprintln(os.Stdout, "(no messages)")
		}
		return nil
	})
}

func runApprovals(args []string) error {
	fs, cf := newFlagSet("approvals")
	limit := fs.Int("limit", 20, "journal records to show")
	fs.Parse(args)

	if fs.NArg() == 0 || fs.Arg(0) == "log" {
		a, err := newApp(appOptions{flags: cf})
		if err != nil {
			return err
		}
		defer a.close()
		if !a.cfg.Approvals.JournalEnabled() {
			return errors.New("approval journal is disabled (approvals.journal_path is \"-\")")
		}
		j, err := approvals.OpenJournal(a.cfg.Approvals.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		recs, err := j.Recent(context.Background(), *limit)
		if err != nil {
			return err
		}
		printJournal(os.Stdout, recs)
		return nil
	}

	if fs.Arg(0) != "decide" || fs.NArg() != 3 {
		return fmt.Errorf("usage: approvals [log] | approvals decide <id> <allow-once|allow-always|deny>")
	}
	id := strings.TrimSpace(fs.Arg(1))
	decision, ok := approvals.ParseDecision(fs.Arg(2))
	if !ok {
		return fmt.Errorf("unknown decision %q", fs.Arg(2))
	}
	return oneShot(cf, func(ctx context.Context, a *app) error {
		params := map[string]any{"id": id, "decision": string(decision)}
		if err := a.client.Call(ctx, approvals.MethodResolve, params, nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %s\n", id, decision)
		return nil
	})
}

// oneShot connects to the gateway, runs fn and disconnects.
func oneShot(cf *commonFlags, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(appOptions{flags: cf, termLog: cf.debug})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()
	return a.run(ctx, func(ctx context.Context) error {
		if err := waitConnected(ctx, a.client, connectTimeout); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func transcriptLine(line string) string {
	text := fleet.LineText(line)
	switch fleet.RoleOf(line) {
	case fleet.RoleUser:
		return "you › " + text
	case fleet.RoleTool:
		return "tool " + text
	case fleet.RoleTrace:
		return "thinking: " + strings.Join(strings.Fields(text), " ")
	default:
		return text
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func column(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(s, width, "…"), width)
}
