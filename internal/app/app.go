package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/morningpaper/internal/config"
	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/connector/gmail"
	"github.com/hitoshi/morningpaper/internal/connector/linkedin"
	"github.com/hitoshi/morningpaper/internal/connector/twitter"
	"github.com/hitoshi/morningpaper/internal/connector/website"
	"github.com/hitoshi/morningpaper/internal/database"
	"github.com/hitoshi/morningpaper/internal/handler"
	"github.com/hitoshi/morningpaper/internal/logger"
	"github.com/hitoshi/morningpaper/internal/metrics"
	"github.com/hitoshi/morningpaper/internal/middleware"
	"github.com/hitoshi/morningpaper/internal/repository"
	"github.com/hitoshi/morningpaper/internal/scrape"
	"github.com/hitoshi/morningpaper/internal/security"
	"github.com/hitoshi/morningpaper/internal/source"
	"github.com/hitoshi/morningpaper/internal/textgen"
	"github.com/hitoshi/morningpaper/internal/vault"
	"github.com/hitoshi/morningpaper/internal/worker/recovery"
	"github.com/hitoshi/morningpaper/internal/worker/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// discoveryMaxResponseSize はリンク収集・フィード取得で読み込むレスポンスの上限。
const discoveryMaxResponseSize = 5 << 20

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("scraper_url", cfg.ScraperURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとworkerで共有する依存関係。
type components struct {
	sources   *repository.PostgresSourceRepo
	sessions  *repository.PostgresSessionRepo
	service   *source.Service
	collector *metrics.Collector
	registry  *prometheus.Registry
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// buildComponents はリポジトリ・コネクタ・オーケストレータを組み立てる。
func buildComponents(cfg *config.Config, db *sql.DB, log *slog.Logger) (*components, error) {
	// 1. リポジトリの初期化
	sourceRepo := repository.NewPostgresSourceRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 2. 資格情報の暗号化（鍵は初回利用時に検証する）
	credentialVault := vault.New(func() string { return cfg.CredentialsEncryptionKey })

	// 3. セキュリティと外部サービスクライアント
	guard := security.NewGuard(cfg.ConnectTimeout, discoveryMaxResponseSize)
	sanitizer := security.NewTextSanitizer()

	scraper := scrape.NewClient(cfg.ScraperURL, &http.Client{}, scrape.Options{
		HealthTimeout:  cfg.HealthTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		ContentTimeout: cfg.ContentTimeout,
		RatePerSecond:  cfg.ScraperRatePerSec,
	}, log)

	generator := textgen.Shared(textgen.Config{
		BaseURL: cfg.TextGenURL,
		APIKey:  cfg.TextGenAPIKey,
		Model:   cfg.TextGenModel,
		Timeout: cfg.ContentTimeout,
	}, log)

	// 4. コネクタの登録
	factory, err := connector.NewFactory(
		website.NewConnector(scraper, credentialVault, guard, sanitizer, cfg.ScraperMaxArticles, log),
		gmail.NewConnector(gmail.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GmailRedirectURL,
			Timeout:      cfg.ConnectTimeout,
		}, credentialVault, sourceRepo, generator, sanitizer, &http.Client{}, log),
		linkedin.NewConnector(scraper, credentialVault, sanitizer, cfg.LinkedInSessionTTL, log),
		twitter.NewConnector(scraper, credentialVault, sanitizer, log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build connector factory: %w", err)
	}
	if !cfg.GmailConfigured() {
		log.Warn("Gmail OAuth が未設定のため、Gmail の接続は利用できません")
	}

	// 5. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 6. オーケストレータ
	service := source.NewService(sourceRepo, articleRepo, userRepo, factory, collector, log)

	return &components{
		sources:   sourceRepo,
		sessions:  sessionRepo,
		service:   service,
		collector: collector,
		registry:  registry,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("データベースに接続しました")

	log := slog.Default()
	comps, err := buildComponents(cfg, db, log)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSync))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionFinder:  comps.sessions,
		RateLimiter:    rateLimiter,
		Logger:         log,
		StatusRecorder: comps.collector,
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(comps.registry),
		Sources:        comps.service,
	}

	router := handler.NewRouter(deps)

	// HTTPサーバーの起動
	// 書き込みタイムアウトは外部サービスの取得タイムアウトより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ContentTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("APIサーバーを起動します",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("サーバーの待ち受けに失敗しました", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("APIサーバーを停止します")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("APIサーバーが停止しました")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラを起動する。各ティックで中断された同期の回復を先に行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("データベースに接続しました（worker）")

	log := slog.Default()
	comps, err := buildComponents(cfg, db, log)
	if err != nil {
		return err
	}

	recoveryJob := recovery.NewJob(comps.sources, comps.sessions, cfg.SyncStaleAfter, log)
	scheduler := syncer.NewScheduler(comps.sources, comps.service, log, cfg.SyncMaxConcurrent, recoveryJob)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("ワーカーを停止します")
		cancel()
	}()

	slog.Info("ワーカーを起動します",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
		slog.Duration("stale_after", cfg.SyncStaleAfter),
	)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("ワーカーが停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("マイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("マイグレーションが完了しました", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
