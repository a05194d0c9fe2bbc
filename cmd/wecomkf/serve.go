package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/huaisubot/wecomkf/internal/audio"
	"github.com/huaisubot/wecomkf/internal/callback"
	"github.com/huaisubot/wecomkf/internal/config"
	"github.com/huaisubot/wecomkf/internal/cursor"
	"github.com/huaisubot/wecomkf/internal/handlers"
	"github.com/huaisubot/wecomkf/internal/knowledge"
	"github.com/huaisubot/wecomkf/internal/llm"
	"github.com/huaisubot/wecomkf/internal/logger"
	"github.com/huaisubot/wecomkf/internal/mediacache"
	"github.com/huaisubot/wecomkf/internal/server"
	"github.com/huaisubot/wecomkf/internal/speech"
	"github.com/huaisubot/wecomkf/internal/store"
	"github.com/huaisubot/wecomkf/internal/wecom"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			provideKV,
			provideCursorStore,
			provideMediaCache,
			provideKnowledge,
			provideWeComClient,
			provideTTS,
			provideASR,
			provideLLM,
			provideConverter,
			provideCleaner,
			provideSyncer,
			provideSynthesizer,
			provideDispatcher,
			providePingHandler,
			provideAuthHandler,
			provideCallbackHandler,
			provideAdminHandler,
			provideServer,
		),
		fx.Invoke(
			bootstrapStore,
			loadKnowledge,
			startCleaner,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	path := cfgPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideKV(log *slog.Logger, pool *pgxpool.Pool) *store.KV {
	return store.NewKV(log, pool)
}

func provideCursorStore(log *slog.Logger, kv *store.KV) *cursor.Store {
	return cursor.NewStore(log, kv)
}

func provideMediaCache(log *slog.Logger, kv *store.KV) *mediacache.Cache {
	return mediacache.New(log, kv)
}

func provideKnowledge(log *slog.Logger, cache *mediacache.Cache, cfg config.Config) *knowledge.Service {
	return knowledge.NewService(log, cache, cfg.Knowledge.Path)
}

func provideWeComClient(log *slog.Logger, cfg config.Config) *wecom.Client {
	return wecom.NewClient(log, cfg.WeCom)
}

func provideTTS(log *slog.Logger, cfg config.Config) *speech.TTS {
	return speech.NewTTS(log, cfg.Xunfei)
}

func provideASR(log *slog.Logger, cfg config.Config) *speech.ASR {
	return speech.NewASR(log, cfg.Xunfei)
}

func provideLLM(log *slog.Logger, cfg config.Config) *llm.Client {
	return llm.NewClient(log, cfg.OpenAI)
}

func provideConverter(log *slog.Logger, cfg config.Config) *audio.Converter {
	return audio.NewConverter(log, cfg.Media.Dir)
}

func provideCleaner(log *slog.Logger, cfg config.Config) *audio.Cleaner {
	return audio.NewCleaner(log, cfg.Media)
}

func provideSyncer(log *slog.Logger, client *wecom.Client, cursors *cursor.Store, cfg config.Config) *callback.Syncer {
	return callback.NewSyncer(log, client, cursors, cfg.Sync)
}

func provideSynthesizer(log *slog.Logger, tts *speech.TTS, converter *audio.Converter, client *wecom.Client) *callback.Synthesizer {
	return callback.NewSynthesizer(log, tts, converter, client)
}

func provideDispatcher(log *slog.Logger, cfg config.Config, client *wecom.Client, syncer *callback.Syncer, kb *knowledge.Service, llmClient *llm.Client, synth *callback.Synthesizer, converter *audio.Converter, asr *speech.ASR) *callback.Service {
	return callback.NewService(log, callback.Deps{
		API:       client,
		Syncer:    syncer,
		Knowledge: kb,
		LLM:       llmClient,
		Voice:     synth,
		Audio:     converter,
		ASR:       asr,
		Whisper:   llmClient,
	}, cfg.Speech.Provider, cfg.Media.ThumbPath)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, cfg.Auth)
}

func provideCallbackHandler(log *slog.Logger, cfg config.Config, dispatcher *callback.Service) *handlers.CallbackHandler {
	return handlers.NewCallbackHandler(log, cfg.WeCom, dispatcher)
}

func provideAdminHandler(log *slog.Logger, client *wecom.Client, kb *knowledge.Service) *handlers.AdminHandler {
	return handlers.NewAdminHandler(log, client, kb)
}

func provideServer(log *slog.Logger, cfg config.Config, ping *handlers.PingHandler, authHandler *handlers.AuthHandler, cb *handlers.CallbackHandler, admin *handlers.AdminHandler) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, cfg.Auth.JWTSecret, ping, authHandler, cb, admin)
}

func bootstrapStore(lc fx.Lifecycle, log *slog.Logger, kv *store.KV, cursors *cursor.Store) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		if err := kv.Bootstrap(ctx); err != nil {
			return fmt.Errorf("kv bootstrap: %w", err)
		}
		if reaped, err := kv.DeleteExpired(ctx); err != nil {
			log.Warn("expired kv sweep failed", slog.String("error", err.Error()))
		} else if reaped > 0 {
			log.Info("expired kv entries removed", slog.Int64("count", reaped))
		}
		if err := cursors.PurgeLegacy(ctx); err != nil {
			return fmt.Errorf("purge legacy cursors: %w", err)
		}
		return nil
	}})
}

func loadKnowledge(lc fx.Lifecycle, kb *knowledge.Service) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error { return kb.Load() }})
}

func startCleaner(lc fx.Lifecycle, cleaner *audio.Cleaner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return cleaner.Start() },
		OnStop:  func(ctx context.Context) error { cleaner.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, cb *handlers.CallbackHandler, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.String("error", err.Error()))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Let in-flight callback work finish before closing the listener.
			cb.Wait()
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
