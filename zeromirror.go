// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package zeromirror wires the streaming session, the
// notification hub and the HTTP server into one application.
package zeromirror

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"zeromirror/pkg/log"
	"zeromirror/pkg/metrics"
	"zeromirror/pkg/notify"
	"zeromirror/pkg/storage"
	"zeromirror/pkg/stream"
	"zeromirror/pkg/system"
	"zeromirror/pkg/web"
)

// Run .
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Info().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.Logger.Info().Msg("") // New line.
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err != nil {
		return err
	}
	return app.server.Shutdown(ctx2)
}

func newApp(envPath string, wg *sync.WaitGroup) (*App, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	streamConfig, err := stream.NewConfig(envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get stream config: %w", err)
	}

	logger := log.NewLogger()
	logDB := log.NewDB(env.LogDBPath(), wg)
	sys := system.New(env.StorageDir, logger)
	met := metrics.New()
	hub := notify.NewHub(logger)

	router := web.NewRouter(web.Config{
		StreamDir: env.StreamDir(),
		Notify:    hub,
		Logger:    logger,
		LogDB:     logDB,
		Metrics:   met,
		Status:    sys.Status,
		Clients:   hub.Clients,
	})

	return &App{
		WG:           wg,
		Logger:       logger,
		logDB:        logDB,
		Env:          *env,
		StreamConfig: streamConfig,
		system:       sys,
		metrics:      met,
		hub:          hub,
		Handler:      router,
	}, nil
}

// App is the main application struct.
type App struct {
	WG           *sync.WaitGroup
	Logger       *log.Logger
	logDB        *log.DB
	Env          storage.ConfigEnv
	StreamConfig stream.Config
	system       *system.System
	metrics      *metrics.Metrics
	hub          *notify.Hub
	Handler      http.Handler
	server       *http.Server
}

func (app *App) run(ctx context.Context) error {
	address := ":" + strconv.Itoa(app.Env.Port)
	app.server = &http.Server{
		Addr:              address,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go app.Logger.Start(ctx)
	go app.Logger.LogToStdout(ctx)

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	app.Logger.Info().Src("app").Msg("Starting..")

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	go app.system.StatusLoop(ctx)

	app.WG.Add(1)
	go app.streamLoop(ctx)

	app.Logger.Info().Src("app").Msgf("Serving app on port %v", app.Env.Port)
	err := app.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// streamLoop runs sessions until ctx is canceled. A failed
// session is torn down completely and restarted after a second.
func (app *App) streamLoop(ctx context.Context) {
	defer app.WG.Done()
	for {
		if ctx.Err() != nil {
			app.Logger.Info().Src("stream").Msg("stopped")
			return
		}

		if err := app.runSession(ctx); err != nil {
			app.Logger.Error().Src("stream").Msgf("session crashed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(1 * time.Second):
			}
		}
	}
}

func (app *App) runSession(ctx context.Context) error {
	if err := app.Env.ClearStreamDir(); err != nil {
		return err
	}

	inputs, err := stream.NewInputs(app.StreamConfig, app.Logger)
	if err != nil {
		return fmt.Errorf("open inputs: %w", err)
	}
	defer inputs.Close()

	var publisher stream.Publisher
	if app.StreamConfig.Mode == stream.ModeNotification {
		publisher = app.hub
	}

	session, err := stream.NewSession(app.StreamConfig, stream.Deps{
		Video:     inputs.Video,
		Audio:     inputs.Audio,
		Publisher: publisher,
		Logger:    app.Logger,
		Metrics:   app.metrics,
		Status:    app.system.Status,
		OutputDir: app.Env.StreamDir(),
		TempDir:   app.Env.TempDir,
	})
	if err != nil {
		return err
	}
	return session.Run(ctx)
}
