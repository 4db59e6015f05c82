// Package app is the composition root: it selects the signal store backend,
// wires consent, audit, the coordinator and the HTTP surface, and runs until
// the context is canceled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/petervdpas/peercall/internal/audit"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/consent"
	"github.com/petervdpas/peercall/internal/httpapi"
	"github.com/petervdpas/peercall/internal/relay"
	"github.com/petervdpas/peercall/internal/signal"
	"github.com/petervdpas/peercall/internal/util"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// ConsentStanding and ConsentPrompt plug the surrounding application's
	// consent UI in.  Nil standing means none is available; nil prompt is
	// treated as granted by the checker.
	ConsentStanding func() bool
	ConsentPrompt   consent.Prompt

	// ListenSessions are the session ids to watch for incoming call
	// requests at startup.
	ListenSessions []string
}

// Run starts a peer endpoint and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var auditStore *audit.Store
	if cfg.Audit.Dir != "" {
		auditStore, err = audit.Open(util.ResolvePath(opt.Dir, cfg.Audit.Dir))
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer auditStore.Close()
	}

	checker := &consent.Checker{
		Standing: opt.ConsentStanding,
		Prompt:   opt.ConsentPrompt,
		DevMode:  cfg.Consent.DevMode,
	}

	hub := httpapi.NewHub()

	// ICE servers live behind the config watcher so a file edit reaches the
	// next call without restarting.
	watcher, err := config.Watch(opt.CfgPath, cfg, func(servers []string) {
		hub.Publish(httpapi.Event{Type: "ice-servers-updated", Data: servers})
	})
	if err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	factory := func(fctx context.Context, sessionID string, role call.Role) (call.Driver, error) {
		live := cfg
		if watcher != nil {
			live = watcher.Current()
		}
		return call.NewPionFactory(call.PionConfig{
			ICEServers:        live.Call.ICEServers,
			RequireLocalMedia: live.Call.RequireLocalMedia,
		})(fctx, sessionID, role)
	}

	monitor := &call.Monitor{
		Bound: time.Duration(cfg.Call.MonitorBoundSec) * time.Second,
		OnStall: func(d call.Diagnosis) {
			hub.Publish(httpapi.Event{Type: "call-stalled", Data: d})
		},
	}

	coord := call.NewCoordinator(call.CoordinatorConfig{
		SelfID:      cfg.Identity.EndpointID,
		DisplayName: cfg.Identity.DisplayName,
		Store:       store,
		Checker:     checker,
		Factory:     factory,
		Encrypt:     cfg.Call.Encrypt,
		Audit:       auditStore,
		Monitor:     monitor,
		Hooks: call.Hooks{
			OnLocalStream: func() {
				hub.Publish(httpapi.Event{Type: "local-stream"})
			},
			OnRemoteStream: func() {
				hub.Publish(httpapi.Event{Type: "remote-stream"})
			},
			OnCallEnded: func(s call.Summary) {
				hub.Publish(httpapi.Event{Type: "call-ended", Data: s})
			},
			OnError: func(err error) {
				hub.Publish(httpapi.Event{Type: "call-error", Data: err.Error()})
			},
			OnIncomingRequest: func(r *signal.Request) {
				hub.Publish(httpapi.Event{Type: "incoming-request", Data: r})
			},
			OnRequestStatus: func(r *signal.Request) {
				hub.Publish(httpapi.Event{Type: "request-status", Data: r})
			},
		},
	})
	defer coord.Close()

	if len(opt.ListenSessions) > 0 {
		cancelListen, err := coord.ListenRequests(opt.ListenSessions)
		if err != nil {
			return fmt.Errorf("listen for call requests: %w", err)
		}
		defer cancelListen()
		log.Printf("APP [%s]: listening for call requests on %d sessions", cfg.Identity.EndpointID, len(opt.ListenSessions))
	}

	if cfg.HTTP.Addr == "" {
		log.Printf("APP [%s]: no HTTP address configured, running headless", cfg.Identity.EndpointID)
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	httpapi.Register(mux, coord, hub)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("APP [%s]: call API on http://%s", cfg.Identity.EndpointID, cfg.HTTP.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (signal.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		log.Printf("APP: using in-process signal store")
		return signal.NewMemoryStore(), nil
	case "redis":
		store, err := signal.OpenRedis(ctx, signal.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		log.Printf("APP: using redis signal store at %s", cfg.Store.RedisAddr)
		return store, nil
	case "relay":
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		client, err := relay.Dial(dialCtx, cfg.Store.RelayURL)
		if err != nil {
			return nil, fmt.Errorf("connect relay store: %w", err)
		}
		log.Printf("APP: using relay signal store at %s", cfg.Store.RelayURL)
		return client, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
