package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Router builds the HTTP API.
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()
	h := NewHandler(a.Registry, a.Updater, a.Monitor, a.Storage)
	SetupRoutes(router, h, a.Hub, a.Prom, a.Logger, a.Config.HTTP.Addr)
	return router
}

// Serve runs the HTTP API, the update schedule and store maintenance until
// ctx is done, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	ctx = log.Set(ctx, a.Logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedule, err := a.Config.ParsedSchedule()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()

	// Bring charts up to date on startup without waiting for the schedule
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Logger.Info().Msg("running initial update")
		_, _ = a.Updater.Run(ctx)
	}()

	wg.Add(1)
	go RunSchedule(ctx, a.Updater, schedule, &wg)

	if gc, ok := a.Store.(storage.GarbageCollector); ok {
		wg.Add(1)
		go RunBadgerGC(ctx, gc, config.BadgerGCInterval, &wg)
	}

	server := &http.Server{
		Addr:        a.Config.HTTP.Addr,
		Handler:     a.Router(),
		ReadTimeout: config.ReadTimeout,
		// Manual updates hold the request for a whole cycle
		WriteTimeout: a.Config.UpdateTimeout + config.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", server.Addr).Msg("server ready to accept requests")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.Logger.Info().Msg("shutdown signal received")
	case err = <-serveErr:
		a.Logger.Error().Err(err).Msg("server failed")
	}

	// Cancel first so background tasks stop before we wait on them
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		a.Logger.Warn().Err(serr).Msg("server shutdown warning")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.Logger.Info().Msg("all background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		a.Logger.Warn().Msg("some background tasks did not stop in time")
	}
	return err
}
