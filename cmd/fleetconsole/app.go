package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"fleetconsole/internal/appinfo"
	"fleetconsole/internal/approvals"
	"fleetconsole/internal/config"
	"fleetconsole/internal/configqueue"
	"fleetconsole/internal/consolelog"
	"fleetconsole/internal/fleet"
	"fleetconsole/internal/gateway"
	"fleetconsole/internal/mirror"
	"fleetconsole/internal/notify"
)

type appOptions struct {
	flags *commonFlags
	// termLog mirrors log lines to stderr.
	termLog bool
	// services starts the engine, queues, mirror and inbox poller; one-shot commands only
	// need the gateway connection.
	services bool
}

// app holds every long-lived component of one console process.
type app struct {
	cfg    config.Config
	logger *consolelog.Logger

	client    *gateway.Client
	store     *fleet.Store
	engine    *fleet.Engine
	approvals *approvals.Queue
	journal   *approvals.Journal
	queue     *configqueue.Queue
	lifecycle *configqueue.Lifecycle

	mirror      *mirror.Mirror
	mirrorStore mirror.Store
	notifier    *notify.Notifier
	poller      *notify.ReplyPoller

	services bool

	hookMu           sync.Mutex
	approvalHooks    []func(approvals.Entry)
	approvalsChanged []func()
}

func newApp(opts appOptions) (*app, error) {
	cf := opts.flags
	if cf == nil {
		cf = &commonFlags{configPath: config.DefaultPath}
	}
	cfg, err := config.Load(cf.configPath)
	if err != nil {
		return nil, err
	}

	var fileW io.Writer
	if f, err := consolelog.OpenFile(cfg.Console.LogFile); err == nil {
		fileW = f
	} else {
		fmt.Fprintln(os.Stderr, "warning: log file disabled:", err)
	}
	logger := consolelog.New(consolelog.Options{
		File:        fileW,
		Term:        os.Stderr,
		TermEnabled: opts.termLog,
		TermColor:   consolelog.TermColorEnabled(os.Stderr),
		Debug:       cf.debug,
	})

	a := &app{cfg: cfg, logger: logger, services: opts.services}

	a.client, err = gateway.NewClient(gateway.ClientOptions{
		URL:                cfg.Gateway.URL,
		Token:              cfg.Gateway.Token,
		ClientName:         cfg.Gateway.ClientName,
		Version:            appinfo.Version,
		CallTimeout:        cfg.Gateway.CallTimeoutDuration(),
		MaxMessageBytes:    cfg.Gateway.MaxMessageBytes,
		BackoffMax:         cfg.Gateway.BackoffMaxDuration(),
		InsecureSkipVerify: cfg.Gateway.InsecureSkipVerify,
		Logf:               logger.Func(consolelog.KindWS),
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	if opts.services && cfg.Approvals.JournalEnabled() {
		if j, err := approvals.OpenJournal(cfg.Approvals.JournalPath); err == nil {
			a.journal = j
		} else {
			logger.Logf(consolelog.KindWarn, "approval journal disabled: %v", err)
		}
	}
	if opts.services && cfg.Notify.Enabled {
		a.setupNotify()
	}

	qopts := approvals.Options{
		Caller:      a.client,
		Logf:        logger.Func(consolelog.KindApproval),
		OnChange:    a.fireApprovalsChanged,
		OnRequested: a.fireApprovalRequested,
	}
	if a.journal != nil {
		qopts.Recorder = a.journal
	}
	a.approvals = approvals.NewQueue(qopts)

	a.store = fleet.NewStore()
	a.engine, err = fleet.NewEngine(fleet.EngineOptions{
		Transport:    a.client,
		Store:        a.store,
		Approvals:    a.approvals,
		Scheduler:    fleet.TimerScheduler{Interval: cfg.Console.FrameIntervalDuration()},
		HistoryLimit: cfg.Console.HistoryLimit,
		Logf:         logger.Func(consolelog.KindEvent),
		Debugf:       logger.Func(consolelog.KindDebug),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.queue = configqueue.NewQueue(configqueue.Options{
		Status:  a.client,
		Running: a.store.RunningCount,
		Logf:    logger.Func(consolelog.KindQueue),
	})
	a.lifecycle, err = configqueue.NewLifecycle(configqueue.LifecycleOptions{
		Transport:    a.client,
		Queue:        a.queue,
		PhaseTimeout: cfg.Console.RestartTimeoutDuration(),
		Logf:         logger.Func(consolelog.KindQueue),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if opts.services && cfg.Mirror.Enabled() {
		if rs, err := mirror.NewRedisStore(cfg.Mirror.RedisURL, cfg.Mirror.KeyPrefix); err == nil {
			a.mirrorStore = rs
			host, _ := os.Hostname()
			a.mirror = mirror.New(mirror.Options{
				Source: a.store,
				Store:  rs,
				TTL:    cfg.Mirror.TTL(),
				Owner:  strings.TrimSpace(host),
				Logf:   logger.Func(consolelog.KindMirror),
			})
		} else {
			logger.Logf(consolelog.KindWarn, "status mirror disabled: %v", err)
		}
	}
	return a, nil
}

func (a *app) setupNotify() {
	ncfg := a.cfg.Notify
	logf := a.logger.Func(consolelog.KindMail)
	if err := ncfg.Validate(); err != nil {
		a.logger.Logf(consolelog.KindWarn, "approval e-mail disabled: %v", err)
		return
	}
	mailer := notify.NewMailer(notify.MailerOptions{Config: ncfg, Logf: logf})
	a.notifier = notify.NewNotifier(mailer, ncfg.SubjectPrefix, logf)

	poller, err := notify.NewReplyPoller(notify.PollerOptions{
		Config:  ncfg,
		OnReply: a.applyReply,
		OnStatus: func(st notify.PollerStatus) {
			if st.OK {
				logf("inbox poll ok")
			}
		},
		Logf: logf,
	})
	if err != nil {
		a.logger.Logf(consolelog.KindWarn, "approval replies disabled: %v", err)
		return
	}
	a.poller = poller
}

// applyReply turns an e-mailed decision into an exec.approval.resolve call.
func (a *app) applyReply(r notify.Reply) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.approvals.Decide(ctx, r.ApprovalID, r.Decision); err != nil {
		a.logger.Logf(consolelog.KindMail, "reply from %s for %s not applied: %v", r.From, r.ApprovalID, err)
		return
	}
	a.logger.Logf(consolelog.KindApproval, "%s decided %s by e-mail (%s)", r.ApprovalID, r.Decision, r.From)
}

func (a *app) onApprovalRequested(fn func(approvals.Entry)) {
	a.hookMu.Lock()
	a.approvalHooks = append(a.approvalHooks, fn)
	a.hookMu.Unlock()
}

func (a *app) onApprovalsChanged(fn func()) {
	a.hookMu.Lock()
	a.approvalsChanged = append(a.approvalsChanged, fn)
	a.hookMu.Unlock()
}

func (a *app) fireApprovalRequested(e approvals.Entry) {
	if a.notifier != nil {
		a.notifier.Approval(e)
	}
	a.hookMu.Lock()
	hooks := append([]func(approvals.Entry){}, a.approvalHooks...)
	a.hookMu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
}

func (a *app) fireApprovalsChanged() {
	a.hookMu.Lock()
	hooks := append([]func(){}, a.approvalsChanged...)
	a.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// run starts the background components, runs fg, and tears everything down once fg returns.
func (a *app) run(ctx context.Context, fg func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Logf(consolelog.KindError, "%s stopped: %v", name, err)
			}
		}()
	}

	start("gateway", a.client.Run)
	if a.services {
		unsubKick := a.store.Subscribe(func([]string) { a.queue.Kick() })
		defer unsubKick()

		start("engine", a.engine.Run)
		start("approvals", func(ctx context.Context) error {
			a.approvals.Run(ctx, a.cfg.Approvals.PruneIntervalDuration())
			return nil
		})
		start("config queue", a.queue.Run)
		if a.mirror != nil {
			start("mirror", a.mirror.Run)
		}
		if a.poller != nil {
			start("inbox", a.poller.Run)
		}
	}

	err := fg(ctx)
	cancel()
	wg.Wait()
	if a.notifier != nil {
		a.notifier.Wait()
	}
	return err
}

func (a *app) close() {
	if a.mirrorStore != nil {
		_ = a.mirrorStore.Close()
	}
	if a.approvals != nil {
		a.approvals.Close()
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
	_ = a.logger.Close()
}

// waitConnected blocks until tr reports a live connection.
func waitConnected(ctx context.Context, tr gateway.Transport, timeout time.Duration) error {
	ready := make(chan struct{}, 1)
	unsub := tr.OnStatus(func(s gateway.Status) {
		if s == gateway.StatusConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()
	if tr.Status() == gateway.StatusConnected {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("gateway not reachable after %s: %w", timeout, gateway.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}
