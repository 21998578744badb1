package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/asset"
	"github.com/terrycain/media-cache-server/pkg/database"
	"github.com/terrycain/media-cache-server/pkg/delegate"
	"github.com/terrycain/media-cache-server/pkg/fetch"
	"github.com/terrycain/media-cache-server/pkg/storage"
	"github.com/terrycain/media-cache-server/pkg/store"
	"github.com/terrycain/media-cache-server/pkg/utils"
	"github.com/terrycain/media-cache-server/pkg/utils/logging"
	"github.com/terrycain/media-cache-server/pkg/web"
)

var cli struct {
	CacheDir string `env:"CACHE_DIR" required:"" help:"Directory holding cached bytes e.g. /var/cache/media"`

	// Metadata backends, JSON sidecars in the cache dir when neither is set
	DBSqlite   string `env:"DB_SQLITE" xor:"db" help:"SQLite filepath for cache metadata e.g. /tmp/db.sqlite"`
	DBPostgres string `env:"DB_POSTGRES" xor:"db" help:"Postgres URI for cache metadata e.g. postgresql://blah"`

	// Fetching
	NetworkTimeout time.Duration `env:"NETWORK_TIMEOUT" default:"10s" help:"Longest wait for progress from an origin"`
	ReadAhead      int64         `env:"READ_AHEAD" default:"2097152" help:"Bytes to fetch past a requested gap, -1 fetches to the end"`
	CancelLinger   time.Duration `env:"CANCEL_LINGER" default:"5s" help:"How long a fetch nobody waits for keeps running"`
	Header         []string      `env:"HEADERS" sep:";" help:"Header added to origin requests e.g. 'X-Api-Key: abc'"`
	AllowedHost    []string      `env:"ALLOWED_HOSTS" help:"Only fetch from these hosts"`
	S3Region       string        `env:"AWS_REGION" default:"us-east-1" help:"Region used to locate s3:// buckets"`
	S3Endpoint     string        `env:"S3_ENDPOINT" help:"Custom S3 endpoint e.g. http://localhost:9000"`
	S3PathStyle    bool          `env:"S3_FORCE_PATH_STYLE" help:"Use path style S3 addressing"`
	AzureConnStr   string        `env:"AZURE_STORAGE_CONNECTION_STRING" name:"azure-connection-string" help:"Credentials for azblob:// origins"`

	// Signed origin tokens
	TokenSecret string        `env:"TOKEN_SECRET" help:"HS256 secret for bearer tokens sent to origins"`
	TokenIssuer string        `env:"TOKEN_ISSUER" default:"media-cache-server"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" default:"1m"`

	// Proxy
	AuthJWKSURL          string        `env:"AUTH_JWKS_URL" name:"auth-jwks-url" help:"Require bearer tokens signed by a key from this JWKS URL"`
	HandleTTL            time.Duration `env:"HANDLE_TTL" default:"1m" help:"Idle time before an asset opened by the proxy is closed"`
	ListenAddress        string        `env:"LISTEN_ADDR" default:"127.0.0.1:8080" help:"Listen address e.g. 127.0.0.1:8080"`
	MetricsListenAddress string        `env:"METRICS_LISTEN_ADDR" default:"127.0.0.1:9102" help:"Listen address for prometheus metrics e.g. 0.0.0.0:9102"`
	NoMetrics            bool          `env:"NO_METRICS" help:"Disable prometheus metrics"`

	// Misc
	LogLevel  string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error"`
	LogFormat string `env:"LOG_FORMAT" default:"json" enum:"json,console"`
	Debug     bool   `env:"DEBUG" help:"Enable debug mode"`
}

func main() {
	kong.Parse(&cli)

	logging.SetupLogging(cli.LogLevel, cli.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseBackendName, dbConnectionString := "json", cli.CacheDir
	if cli.DBSqlite != "" {
		databaseBackendName = "sqlite"
		dbConnectionString = cli.DBSqlite
	}
	if cli.DBPostgres != "" {
		databaseBackendName = "postgres"
		dbConnectionString = cli.DBPostgres
	}

	dbBackend, err := database.GetBackend(databaseBackendName, dbConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initiate database backend")
	}
	defer dbBackend.Close()

	storageBackend, err := storage.GetStorageBackend("disk", cli.CacheDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initiate storage backend")
	}

	cacheStore, err := store.New(store.Config{Storage: storageBackend, Metadata: dbBackend})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initiate cache store")
	}

	headers, err := utils.ParseHeaders(cli.Header)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse headers")
	}
	delegates := delegate.Chain{&delegate.HeaderDelegate{Header: headers, AllowedHosts: utils.CleanStringSlice(cli.AllowedHost)}}
	if cli.TokenSecret != "" {
		delegates = append(delegates, delegate.NewTokenDelegate([]byte(cli.TokenSecret), cli.TokenIssuer, cli.TokenTTL))
	}

	fetcher := fetch.New(fetch.Config{
		S3: fetch.S3Config{
			Region:         cli.S3Region,
			Endpoint:       cli.S3Endpoint,
			ForcePathStyle: cli.S3PathStyle,
		},
		AzureConnectionString: cli.AzureConnStr,
	})

	cache, err := asset.New(asset.Config{
		Store:        cacheStore,
		Fetcher:      fetcher,
		Bridge:       delegate.NewBridge(delegates),
		ReadAhead:    cli.ReadAhead,
		CancelLinger: cli.CancelLinger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initiate cache")
	}
	defer cache.Close()

	handlers := web.NewHandlers(cache, cli.NetworkTimeout, cli.HandleTTL)
	handlers.Debug = cli.Debug
	defer handlers.Close()
	if cli.AuthJWKSURL != "" {
		if handlers.JWKS, err = web.NewJWKS(ctx, cli.AuthJWKSURL, nil); err != nil {
			log.Fatal().Err(err).Msg("Failed to set up JWKS auth")
		}
	}

	router := web.GetRouter(ctx, cli.MetricsListenAddress, handlers, !cli.NoMetrics)
	srv := &http.Server{Addr: cli.ListenAddress, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("cache_dir", cli.CacheDir).Str("metadata", databaseBackendName).Msgf("Listening on %s", cli.ListenAddress)
	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed HTTP server loop")
	}
	log.Info().Msg("Shutting down")
}
