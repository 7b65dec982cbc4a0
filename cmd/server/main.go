package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/opsdeck/authcore/audit"
	"github.com/opsdeck/authcore/deviceflow"
	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/config"
	"github.com/opsdeck/authcore/secrets"
	"github.com/opsdeck/authcore/server"
	"github.com/opsdeck/authcore/serviceidentity"
	"github.com/opsdeck/authcore/sessions"
	"github.com/opsdeck/authcore/sso"
	"github.com/opsdeck/authcore/store"
	"github.com/opsdeck/authcore/store/memstore"
	"github.com/opsdeck/authcore/store/redisstore"
	"github.com/opsdeck/authcore/token"
	"github.com/opsdeck/authcore/users"
)

func main() {
	log := newLogger()
	for {
		if err := run(log); err != nil {
			log.Error().Err(err).Msg("server exited with error")
			time.Sleep(1 * time.Second)
			continue
		}
		break
	}
	log.Info().Msg("server stopped")
}

func run(log zerolog.Logger) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	displayAppName(cfg.AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := buildServer(ctx, cfg, log)
	if err != nil {
		return err
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr(), Handler: srv}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listen failed")
		}
	}()

	waitForStopSignal()
	return shutdown(httpServer)
}

// buildServer wires the whole dependency graph from configuration. There is
// no package-level state anywhere below this point: every component gets its
// collaborators handed to it here.
func buildServer(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*server.Server, error) {
	kv, storePing, err := connectStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	codec, err := buildCodec(cfg, log)
	if err != nil {
		return nil, err
	}

	recorder := audit.NewLogRecorder(log)

	grantRepo := grants.NewKVRepo(kv)
	userRepo := users.NewKVRepo(kv)
	serviceRepo := serviceidentity.NewKVRepo(kv)

	resolver, err := grants.NewResolver(grantRepo, userRepo, kv, recorder, grants.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "build resolver")
	}

	tokens, err := token.New(token.NewKVRepo(kv), codec,
		token.WithTTLs(cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		token.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "build token service")
	}

	device, err := deviceflow.New(deviceflow.NewKVRepo(kv), tokens, resolver, recorder,
		deviceflow.WithCodeTTL(cfg.DeviceCodeTTL),
		deviceflow.WithPollInterval(cfg.DevicePollInterval),
		deviceflow.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "build device coordinator")
	}

	sessionValidator, err := sessions.NewValidator(sessions.NewKVRepo(kv), codec, resolver, userRepo,
		sessions.WithTTL(cfg.SessionTTL),
		sessions.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "build session validator")
	}

	serviceResolver, err := serviceidentity.NewResolver(serviceRepo, cfg.AllowedAWSAccounts,
		serviceidentity.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "build service resolver")
	}

	var ssoProvider *sso.Provider
	if cfg.SSOEnabled() {
		ssoProvider, err = sso.New(ctx, cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret,
			cfg.BaseURL+"/auth/callback", cfg.OIDCGroupsClaim, sso.WithLogger(log))
		if err != nil {
			return nil, errors.Wrap(err, "build sso provider")
		}
	} else {
		log.Warn().Msg("OIDC not configured, browser login routes disabled")
	}

	return server.New(server.Deps{
		Config:      cfg,
		Tokens:      tokens,
		Device:      device,
		Sessions:    sessionValidator,
		Services:    serviceResolver,
		Resolver:    resolver,
		Grants:      grantRepo,
		Users:       userRepo,
		ServiceRepo: serviceRepo,
		Audit:       recorder,
		SSO:         ssoProvider,
		StorePing:   storePing,
	}, server.WithLogger(log))
}

func connectStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.KV, func(context.Context) error, error) {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR not set, using the in-process store; state will not survive a restart")
		return memstore.New(), nil, nil
	}
	redisStore, err := redisstore.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return redisStore, redisStore.Ping, nil
}

func buildCodec(cfg *config.Config, log zerolog.Logger) (secrets.Codec, error) {
	if !cfg.EncryptionEnabled() {
		log.Warn().Msg("TOKEN_MASTER_KEY not set, token and session rows are stored as plaintext")
		return secrets.PlainCodec{}, nil
	}
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	keyService, err := secrets.NewLocalKeyService(masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "build key service")
	}
	log.Info().Msg("envelope encryption enabled for stored claims")
	return secrets.EnvelopeCodec{Service: keyService}, nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Wrap(httpServer.Shutdown(ctx), "server.Shutdown")
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "DEV" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}

func displayAppName(appName string) {
	banner := figure.NewFigure(appName, "cybermedium", true)
	banner.Print()
	fmt.Println()
}
