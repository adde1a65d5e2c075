// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.astrophena.name/starhub/internal/cli"
	"go.astrophena.name/starhub/internal/gitmirror"
	"go.astrophena.name/starhub/internal/logger"
	"go.astrophena.name/starhub/internal/modsync"
	"go.astrophena.name/starhub/internal/starmod"
	"go.astrophena.name/starhub/internal/starmod/modules/ai"
	"go.astrophena.name/starhub/internal/starmod/modules/feeds"
	starlarkstore "go.astrophena.name/starhub/internal/starmod/modules/store"
	"go.astrophena.name/starhub/internal/store"
	"go.astrophena.name/starhub/internal/tgbot"
	"go.astrophena.name/starhub/internal/util/syncx"
	"go.astrophena.name/starhub/internal/web"

	"github.com/caarlos0/env/v11"
	"github.com/google/generative-ai-go/genai"
	"go.starlark.net/starlark"
	"google.golang.org/api/option"
)

func main() { cli.Main(cli.AppFunc(run)) }

func run(ctx context.Context, environ *cli.Env) error {
	e := &engine{}
	return e.run(ctx, environ)
}

const defaultGeminiModel = "gemini-1.5-flash"

type config struct {
	RepoURL      string        `env:"REPO_URL"`
	RepoBranch   string        `env:"REPO_BRANCH" envDefault:"main"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	StateDir     string        `env:"STATE_DIR"`
	GitTimeout   time.Duration `env:"GIT_TIMEOUT" envDefault:"1m"`
	TgToken      string        `env:"TG_TOKEN"`
	TgOwner      int64         `env:"TG_OWNER"`
	GeminiKey    string        `env:"GEMINI_KEY"`
	Addr         string        `env:"ADDR" envDefault:"localhost:3000"`
}

type engine struct {
	init syncx.Lazy[error]

	cfg config

	// initialized by doInit
	httpc     *http.Client
	logf      logger.Logf
	logStream logger.Streamer
	mirror    *gitmirror.Mirror
	mux       *http.ServeMux
	scrubber  *strings.Replacer
	kv        store.Store
	bot       *tgbot.Bot
	syncer    *modsync.Syncer
	stderr    io.Writer

	// for tests
	noServerStart bool
	ready         func()
}

func (e *engine) run(ctx context.Context, environ *cli.Env) error {
	cfg, err := env.ParseAsWithOptions[config](env.Options{
		Environment: env.ToMap(environ.Environ),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", cli.ErrInvalidArgs, err)
	}
	if cfg.RepoURL == "" {
		return fmt.Errorf("%w: REPO_URL is required", cli.ErrInvalidArgs)
	}
	if cfg.TgToken == "" {
		return fmt.Errorf("%w: TG_TOKEN is required", cli.ErrInvalidArgs)
	}
	e.cfg = cfg
	e.stderr = environ.Stderr

	if err := e.init.Get(func() error {
		return e.doInit(ctx)
	}); err != nil {
		return err
	}
	defer e.kv.Close()

	if e.noServerStart {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		if err := e.bot.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := e.syncer.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		errCh <- web.ListenAndServe(ctx, &web.ListenAndServeConfig{
			Addr:  e.cfg.Addr,
			Mux:   e.mux,
			Logf:  e.logf,
			Ready: e.ready,
		})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (e *engine) doInit(ctx context.Context) error {
	if e.httpc == nil {
		e.httpc = &http.Client{
			// Generous timeout: module code may call out to slow APIs.
			Timeout: 60 * time.Second,
		}
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}

	const logLineLimit = 300
	e.logStream = logger.NewStreamer(logLineLimit)
	e.logf = log.New(io.MultiWriter(e.stderr, &timestampWriter{e.logStream}), "", 0).Printf

	var scrubPairs []string
	for _, val := range []string{
		e.cfg.TgToken,
		e.cfg.GeminiKey,
	} {
		if val != "" {
			scrubPairs = append(scrubPairs, val, "[EXPUNGED]")
		}
	}
	if len(scrubPairs) > 0 {
		e.scrubber = strings.NewReplacer(scrubPairs...)
	}

	stateDir := e.cfg.StateDir
	if stateDir == "" {
		dir, err := os.MkdirTemp("", "starhub")
		if err != nil {
			return err
		}
		stateDir = dir
		e.kv = &store.MemStore{}
	} else {
		kv, err := store.NewSQLiteStore(ctx, filepath.Join(stateDir, "starhub.db"))
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		e.kv = kv
	}

	e.mirror = gitmirror.New(gitmirror.Config{
		URL:     e.cfg.RepoURL,
		Branch:  e.cfg.RepoBranch,
		Dir:     filepath.Join(stateDir, "repo"),
		Timeout: e.cfg.GitTimeout,
		Logf:    e.logf,
	})

	e.bot = tgbot.New(tgbot.Config{
		Token:      e.cfg.TgToken,
		Owner:      e.cfg.TgOwner,
		HTTPClient: e.httpc,
		Logf:       e.logf,
		Scrubber:   e.scrubber,
	})

	var genaic *genai.Client
	if e.cfg.GeminiKey != "" {
		c, err := genai.NewClient(ctx, option.WithAPIKey(e.cfg.GeminiKey))
		if err != nil {
			return fmt.Errorf("creating Gemini client: %w", err)
		}
		genaic = c
	}

	loader := &starmod.Loader{
		Root: e.mirror.Dir(),
		Logf: e.logf,
		Predeclared: starlark.StringDict{
			"store": starlarkstore.Module(e.kv),
			"feeds": feeds.Module(e.httpc),
			"ai":    ai.Module(genaic, defaultGeminiModel),
		},
	}

	e.syncer = modsync.New(modsync.Config{
		Mirror:    e.mirror,
		Loader:    modsync.StarlarkLoader{Loader: loader, Dispatcher: e.bot},
		Registrar: e.bot,
		Interval:  e.cfg.SyncInterval,
		Logf:      e.logf,
	})

	e.initRoutes()

	return nil
}

// timestampWriter is an io.Writer that prefixes each line with the current
// date and time.
type timestampWriter struct {
	w io.Writer
}

func (tw *timestampWriter) Write(p []byte) (n int, err error) {
	lines := bytes.SplitAfter(p, []byte{'\n'})

	for _, line := range lines {
		if len(line) > 0 {
			timestamp := time.Now().Format(time.DateTime + "\t")
			_, err := tw.w.Write([]byte(timestamp))
			if err != nil {
				return n, err
			}
			nn, err := tw.w.Write(line)
			n += nn
			if err != nil {
				return n, err
			}
		}
	}

	return n, nil
}
