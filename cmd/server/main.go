package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/api"
	"github.com/gsarma/gitgrade/internal/config"
	"github.com/gsarma/gitgrade/internal/dispatch"
	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/gitrepo"
	"github.com/gsarma/gitgrade/internal/grader"
	"github.com/gsarma/gitgrade/internal/handlers"
	"github.com/gsarma/gitgrade/internal/locks"
	"github.com/gsarma/gitgrade/internal/poller"
	"github.com/gsarma/gitgrade/internal/store"
)

const drainTimeout = 2 * time.Minute

func main() {
	conf, err := config.NewConfig("server")
	if err != nil {
		log.Fatal(err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Work already accepted keeps running after a signal until it drains.
	runCtx := context.WithoutCancel(sigCtx)

	db, err := store.Open(sigCtx, store.Dialect(conf.DB.Driver), conf.DB.DSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	queries := store.New(db, store.Dialect(conf.DB.Driver))

	mail := email.NewQueue(newProvider(conf.Email), email.QueueConfig{
		Size:          conf.Email.QueueSize,
		RatePerSecond: conf.Email.RatePerSecond,
	})
	mail.Start(runCtx)

	sandbox, closeSandbox, err := newSandbox(conf.Runner)
	if err != nil {
		log.Fatalf("failed to set up %s sandbox: %v", conf.Runner.Sandbox, err)
	}
	defer closeSandbox()

	lockReg := locks.NewRegistry()
	git := gitrepo.New(conf.Server.GitAuthorName, conf.Server.GitAuthorEmail)
	runner := grader.NewRunner(grader.Config{
		Workers:   conf.Runner.Workers,
		QueueSize: conf.Runner.QueueSize,
		WorkDir:   conf.Runner.WorkDir,
		Defaults: grader.Settings{
			TimeoutSeconds: int(conf.Runner.Timeout / time.Second),
			MemoryMB:       conf.Runner.MemoryMB,
			Image:          conf.Runner.DockerImage,
		},
	}, grader.Deps{
		Sandbox:  sandbox,
		Locks:    lockReg,
		Checkout: git.Clone,
		Reporter: &grader.MailReporter{Store: queries, Mailer: mail, From: conf.Email.From},
	})
	runner.Start(runCtx)

	workDir := conf.Runner.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	janitor := grader.NewJanitor(workDir, conf.Runner.WorkspaceTTL)
	if err := janitor.Start(conf.Runner.CleanupSchedule); err != nil {
		log.Fatalf("invalid runner.cleanupSchedule: %v", err)
	}

	layout := handlers.Layout{
		UsersDir:      conf.Server.UsersDir,
		DataDir:       conf.Server.DataDir,
		LogDirName:    conf.Server.LogDirName,
		ClientLogName: conf.Server.ClientLogName,
		UploadDirs:    conf.Server.UploadDirs,
	}
	deps := &handlers.Deps{
		Store:    queries,
		Locks:    lockReg,
		Git:      git,
		Runner:   runner,
		Mailer:   mail,
		Layout:   layout,
		From:     conf.Email.From,
		RepoHost: conf.Server.RepoHost,
	}
	reg := dispatch.NewRegistry()
	handlers.Register(reg, deps)

	dispatcher := dispatch.New(reg, dispatch.NewLogReplier(conf.Server.ReplyLogName), dispatch.Config{
		Workers: conf.Server.DispatchWorkers,
		Identify: func(p string) (string, error) {
			return dispatch.UserFromPath(conf.Server.UsersDir, p)
		},
	})
	dispatcher.Start(runCtx)

	pollCtx, stopPolling := context.WithCancel(sigCtx)
	defer stopPolling()
	p := poller.New(dispatcher, conf.Server.PollInterval)
	if conf.Server.Notify {
		n, err := poller.NewNotifier(p.Hint)
		if err != nil {
			log.Warnf("file notifications unavailable, polling only: %v", err)
		} else {
			defer n.Close()
			p.AttachNotifier(n)
			go n.Run(pollCtx)
		}
	}
	watcher := &handlers.LogWatcher{Poller: p, Layout: layout, ReadChunk: conf.Server.ReadChunk}
	deps.Watcher = watcher

	if err := handlers.BootstrapAdmins(sigCtx, deps, conf.Server.Admins); err != nil {
		log.Fatalf("failed to bootstrap admins: %v", err)
	}
	n, err := watcher.WatchAll(sigCtx, queries)
	if err != nil {
		log.Fatalf("failed to list users: %v", err)
	}
	log.WithFields(log.Fields{"logs": n, "usersDir": conf.Server.UsersDir}).Info("watching client logs")

	var srv *http.Server
	if conf.Server.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		api.RegisterRoutes(router, api.Deps{
			Store:      queries,
			Logs:       p,
			Runner:     runner,
			Mail:       mail,
			Dispatcher: dispatcher,
			Token:      conf.Server.APIToken,
		})
		srv = &http.Server{Addr: conf.Server.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.WithFields(log.Fields{"addr": conf.Server.HTTPAddr}).Info("status API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("status API: %v", err)
			}
		}()
	}

	p.Run(pollCtx)
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("status API shutdown: %v", err)
		}
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		log.Warnf("dispatcher did not drain: %v", err)
	}
	if err := runner.Shutdown(ctx); err != nil {
		log.Warnf("runner did not drain: %v", err)
	}
	janitor.Stop(ctx)
	if err := mail.Shutdown(ctx); err != nil {
		log.Warnf("email queue did not drain: %v", err)
	}
	log.Info("stopped")
}

func newProvider(c config.EmailConfig) email.Provider {
	switch c.Provider {
	case config.ProviderSMTP:
		return email.NewSMTPProvider(c.SMTP)
	case config.ProviderSendGrid:
		return email.NewSendGridProvider(c.SendGrid)
	default:
		return email.LogProvider{}
	}
}

func newSandbox(c config.RunnerConfig) (grader.Sandbox, func(), error) {
	switch c.Sandbox {
	case config.SandboxDocker:
		d, err := grader.NewDockerSandbox(c.DockerImage)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	case config.SandboxFirejail:
		return &grader.ProcessSandbox{Firejail: "firejail"}, func() {}, nil
	default:
		return &grader.ProcessSandbox{}, func() {}, nil
	}
}
