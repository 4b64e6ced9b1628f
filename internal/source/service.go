// Package source はプライベートソースの接続・同期・状態管理を行うオーケストレータを提供する。
// 同期の排他は永続化された状態に対する条件付き更新（check-then-set）で保証する。
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/connector/gmail"
	"github.com/hitoshi/morningpaper/internal/connector/website"
	"github.com/hitoshi/morningpaper/internal/metrics"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/pattern"
	"github.com/hitoshi/morningpaper/internal/repository"
	"github.com/hitoshi/morningpaper/internal/scrape"
	"github.com/hitoshi/morningpaper/internal/security"
)

const (
	// maxSampleURLs は設定に保存する選択URLの上限。
	maxSampleURLs = 10
	// defaultArticleLimit は記事一覧のデフォルト件数。
	defaultArticleLimit = 50
	// maxArticleLimit は記事一覧の最大件数。
	maxArticleLimit = 200
)

// ConnectorResolver はソース種別からコネクタを解決する。connector.Factory が実装する。
type ConnectorResolver interface {
	Resolve(t model.SourceType) (connector.Connector, error)
}

// 種別固有の操作
type (
	authURLProvider interface {
		AuthURL(userID string) (string, error)
	}
	senderBrowser interface {
		BrowseSenders(ctx context.Context, src *model.PrivateSource) ([]gmail.Sender, error)
		SearchByIntent(ctx context.Context, src *model.PrivateSource, intent string) (*gmail.SearchResult, error)
	}
	profileSearcher interface {
		SearchProfiles(ctx context.Context, src *model.PrivateSource, query string, limit int) ([]scrape.LinkedInProfile, error)
	}
	linkDiscoverer interface {
		DiscoverLinks(ctx context.Context, rawURL string) ([]string, error)
	}
)

// AuthOutcome は認証操作の結果。成功時のみ Source が設定される。
type AuthOutcome struct {
	Result *connector.AuthResult
	Source *model.PrivateSource
}

// SyncResult は同期結果を表す。
type SyncResult struct {
	NewArticleCount int `json:"newArticleCount"`
	TotalFetched    int `json:"totalFetched"`
	AlreadyExisted  int `json:"alreadyExisted"`
}

// Service はプライベートソースのオーケストレータ。
type Service struct {
	sources   repository.SourceRepository
	articles  repository.ArticleRepository
	users     repository.UserRepository
	resolver  ConnectorResolver
	collector metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	sources repository.SourceRepository,
	articles repository.ArticleRepository,
	users repository.UserRepository,
	resolver ConnectorResolver,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		sources:   sources,
		articles:  articles,
		users:     users,
		resolver:  resolver,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
}

// AuthenticateConnector は指定種別のコネクタで認証し、成功した場合のみソースを保存する。
// 想定内の認証失敗はエラーではなく Result.Failure で返す。
func (s *Service) AuthenticateConnector(ctx context.Context, userID string, t model.SourceType, in connector.AuthInput) (*AuthOutcome, error) {
	conn, err := s.resolver.Resolve(t)
	if err != nil {
		return nil, err
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	in.UserID = userID
	res, err := conn.Authenticate(ctx, in)
	if err != nil {
		return nil, s.connectorError(err)
	}
	return s.completeAuth(ctx, userID, conn, res)
}

// VerifyLinkedInTwoFactor はLinkedInの2段階認証コードを検証し、成功した場合にソースを保存する。
func (s *Service) VerifyLinkedInTwoFactor(ctx context.Context, userID, sessionID, code string) (*AuthOutcome, error) {
	conn, verifier, err := s.twoFactorVerifier()
	if err != nil {
		return nil, err
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	res, err := verifier.VerifyTwoFactor(ctx, userID, sessionID, code)
	if errors.Is(err, connector.ErrSessionNotFound) {
		return nil, model.NewLoginSessionNotFoundError()
	}
	if err != nil {
		return nil, s.connectorError(err)
	}
	return s.completeAuth(ctx, userID, conn, res)
}

// CloseLinkedInSession は継続中のLinkedInログインセッションを終了する。
func (s *Service) CloseLinkedInSession(ctx context.Context, userID, sessionID string) error {
	_, verifier, err := s.twoFactorVerifier()
	if err != nil {
		return err
	}
	err = verifier.CloseSession(ctx, userID, sessionID)
	if errors.Is(err, connector.ErrSessionNotFound) {
		return model.NewLoginSessionNotFoundError()
	}
	return err
}

func (s *Service) twoFactorVerifier() (connector.Connector, connector.TwoFactorVerifier, error) {
	conn, err := s.resolver.Resolve(model.SourceTypeLinkedIn)
	if err != nil {
		return nil, nil, err
	}
	verifier, ok := conn.(connector.TwoFactorVerifier)
	if !ok {
		return nil, nil, model.NewUnsupportedOperationError(model.SourceTypeLinkedIn, "two-factor verification")
	}
	return conn, verifier, nil
}

// completeAuth は認証結果を記録し、成功時はソースを保存してログインセッションを閉じる。
func (s *Service) completeAuth(ctx context.Context, userID string, conn connector.Connector, res *connector.AuthResult) (*AuthOutcome, error) {
	t := conn.Type()
	outcome := &AuthOutcome{Result: res}

	if !res.Success {
		s.collector.RecordAuth(string(t), string(res.Failure))
		s.logger.Info("コネクタ認証に失敗しました",
			slog.String("user_id", userID),
			slog.String("source_type", string(t)),
			slog.String("reason", string(res.Failure)),
		)
		return outcome, nil
	}

	if res.SessionID != "" {
		if verifier, ok := conn.(connector.TwoFactorVerifier); ok {
			defer func() {
				if err := verifier.CloseSession(context.WithoutCancel(ctx), userID, res.SessionID); err != nil {
					s.logger.Warn("ログインセッションの終了に失敗しました",
						slog.String("source_type", string(t)),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}

	cfg := model.DefaultSourceConfig(t)
	if res.Config != nil {
		cfg = *res.Config
	}
	name := res.DisplayName
	if name == "" {
		name = res.ProfileName
	}
	src := &model.PrivateSource{
		UserID:      userID,
		Name:        name,
		URL:         res.CanonicalURL,
		Type:        t,
		Credentials: res.Credentials,
		Config:      cfg,
	}
	if err := s.sources.UpsertConnected(ctx, src); err != nil {
		return nil, fmt.Errorf("ソースの保存に失敗: %w", err)
	}

	s.collector.RecordAuth(string(t), "success")
	s.logger.Info("コネクタ認証が完了しました",
		slog.String("user_id", userID),
		slog.String("source_id", src.ID),
		slog.String("source_type", string(t)),
	)
	outcome.Source = src
	return outcome, nil
}

// GmailAuthURL はGmailのOAuth同意画面のURLを返す。
func (s *Service) GmailAuthURL(ctx context.Context, userID string) (string, error) {
	conn, err := s.resolver.Resolve(model.SourceTypeGmail)
	if err != nil {
		return "", err
	}
	p, ok := conn.(authURLProvider)
	if !ok {
		return "", model.NewUnsupportedOperationError(model.SourceTypeGmail, "auth url")
	}
	u, err := p.AuthURL(userID)
	if err != nil {
		return "", s.connectorError(err)
	}
	return u, nil
}

// ListSources はユーザーのソース一覧を返す。
func (s *Service) ListSources(ctx context.Context, userID string) ([]*model.PrivateSource, error) {
	sources, err := s.sources.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sources == nil {
		sources = []*model.PrivateSource{}
	}
	return sources, nil
}

// ListArticles はソースの記事を新しい順に返す。
func (s *Service) ListArticles(ctx context.Context, userID, sourceID string, limit int) ([]*model.Article, error) {
	if _, err := s.ownedSource(ctx, userID, sourceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultArticleLimit
	}
	if limit > maxArticleLimit {
		limit = maxArticleLimit
	}
	articles, err := s.articles.ListByPrivateSource(ctx, sourceID, limit)
	if err != nil {
		return nil, err
	}
	if articles == nil {
		articles = []*model.Article{}
	}
	return articles, nil
}

// Sync はユーザーのソースを同期する。
func (s *Service) Sync(ctx context.Context, userID, sourceID string) (*SyncResult, error) {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	return s.SyncSource(ctx, src)
}

// SyncSource はソースを同期する。
//
// 同期中・未接続・失効済みのソースは即座に拒否し、待ち合わせや再試行は行わない。
// 取得に成功した記事はURLで重複排除して作成のみ行い、失敗時も作成済みの記事は残す。
func (s *Service) SyncSource(ctx context.Context, src *model.PrivateSource) (*SyncResult, error) {
	t := string(src.Type)
	if apiErr := CheckSyncable(src); apiErr != nil {
		if apiErr.Code == model.ErrCodeSyncInProgress {
			s.collector.RecordSyncConflict(t)
		}
		return nil, apiErr
	}

	conn, err := s.resolver.Resolve(src.Type)
	if err != nil {
		return nil, err
	}

	start := s.now()
	acquired, err := s.sources.BeginSync(ctx, src.ID, start)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, s.rejectSync(ctx, src)
	}
	ApplySyncStarted(src, start)

	// 最終状態の書き込みは要求のキャンセルに影響されないようにする
	persistCtx := context.WithoutCancel(ctx)

	items, err := conn.FetchItems(ctx, src)
	if err != nil {
		return nil, s.failSync(persistCtx, src, err, start)
	}
	s.collector.RecordItemsFetched(t, len(items))

	result, err := s.ingest(ctx, src, items)
	if err != nil {
		return nil, s.failSync(persistCtx, src, err, start)
	}

	var watermark string
	if src.Type == model.SourceTypeGmail {
		watermark = newestExternalID(items)
	}
	cfg := src.Config.WithWatermark(watermark)
	now := s.now()
	completed, err := s.sources.CompleteSync(persistCtx, src.ID, watermark, now)
	if err != nil {
		return nil, err
	}
	if completed {
		ApplySyncSucceeded(src, cfg, now)
	} else {
		s.logger.Info("同期中にソースの状態が変更されたため完了を記録しませんでした",
			slog.String("source_id", src.ID),
		)
	}

	elapsed := s.now().Sub(start)
	s.collector.RecordArticlesCreated(t, result.NewArticleCount)
	s.collector.RecordSync(t, metrics.SyncResultSuccess, elapsed)
	s.logger.Info("ソース同期が完了しました",
		slog.String("source_id", src.ID),
		slog.String("source_type", t),
		slog.String("user_id", src.UserID),
		slog.Int("total_fetched", result.TotalFetched),
		slog.Int("new_articles", result.NewArticleCount),
		slog.Int("already_existed", result.AlreadyExisted),
		slog.Float64("duration_ms", float64(elapsed.Milliseconds())),
	)
	return result, nil
}

// rejectSync は同期を開始できなかったソースを再取得し、拒否理由を返す。
func (s *Service) rejectSync(ctx context.Context, src *model.PrivateSource) error {
	current, err := s.sources.FindByID(ctx, src.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return model.NewSourceNotFoundError(src.ID)
	}
	apiErr := CheckSyncable(current)
	if apiErr == nil {
		apiErr = model.NewSyncInProgressError(src.ID)
	}
	if apiErr.Code == model.ErrCodeSyncInProgress {
		s.collector.RecordSyncConflict(string(src.Type))
	}
	return apiErr
}

// failSync は同期失敗を記録し、呼び出し元に返すエラーを返す。
func (s *Service) failSync(ctx context.Context, src *model.PrivateSource, cause error, start time.Time) error {
	t := string(src.Type)
	status := ApplySyncFailed(src, cause, s.now())
	if _, err := s.sources.FailSync(ctx, src.ID, status, src.LastSyncError); err != nil {
		s.logger.Error("同期失敗の記録に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}

	result := metrics.SyncResultFailure
	if status == model.SourceStatusExpired {
		result = metrics.SyncResultExpired
	}
	s.collector.RecordSync(t, result, s.now().Sub(start))
	s.logger.Warn("ソース同期に失敗しました",
		slog.String("source_id", src.ID),
		slog.String("source_type", t),
		slog.String("user_id", src.UserID),
		slog.String("status", string(status)),
		slog.String("error", src.LastSyncError),
	)

	switch {
	case IsConfigurationError(cause):
		return model.NewServiceUnavailableError(cause.Error())
	case status == model.SourceStatusExpired:
		return model.NewSourceExpiredError()
	}
	return model.NewSyncFailedError(src.LastSyncError)
}

// ingest は記事候補をURLで重複排除し、未保存のものだけを作成する。
// URLの一意制約が最終的な判定者であり、先に保存したソースの記事となる。
func (s *Service) ingest(ctx context.Context, src *model.PrivateSource, items []connector.Item) (*SyncResult, error) {
	unique := make([]connector.Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	urls := make([]string, 0, len(items))
	for _, it := range items {
		if it.URL == "" || seen[it.URL] {
			continue
		}
		seen[it.URL] = true
		unique = append(unique, it)
		urls = append(urls, it.URL)
	}

	result := &SyncResult{TotalFetched: len(items)}
	existing, err := s.articles.ExistingURLs(ctx, urls)
	if err != nil {
		return nil, err
	}

	for _, it := range unique {
		if existing[it.URL] {
			result.AlreadyExisted++
			continue
		}
		title := it.Title
		if title == "" {
			title = it.URL
		}
		created, err := s.articles.InsertIfAbsent(ctx, &model.Article{
			URL:             it.URL,
			Title:           title,
			Author:          it.Author,
			PublishedAt:     it.PublishedAt,
			ExternalID:      it.ExternalID,
			PrivateSourceID: src.ID,
		})
		if err != nil {
			return nil, err
		}
		if created {
			result.NewArticleCount++
		} else {
			result.AlreadyExisted++
		}
	}
	return result, nil
}

// newestExternalID は最も新しい記事候補の外部IDを返す。
// 公開日時が無い場合はコネクタが返した先頭（新しい順）を採用する。
func newestExternalID(items []connector.Item) string {
	var newest *connector.Item
	for i := range items {
		it := &items[i]
		if it.ExternalID == "" {
			continue
		}
		if newest == nil {
			newest = it
			continue
		}
		if it.PublishedAt != nil && (newest.PublishedAt == nil || it.PublishedAt.After(*newest.PublishedAt)) {
			newest = it
		}
	}
	if newest == nil {
		return ""
	}
	return newest.ExternalID
}

// GetStatus はコネクタに接続状態を問い合わせる。
// 資格情報の失効が検出された場合はソースを EXPIRED として記録する。
func (s *Service) GetStatus(ctx context.Context, userID, sourceID string) (*connector.StatusView, error) {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	conn, err := s.resolver.Resolve(src.Type)
	if err != nil {
		return nil, err
	}

	view, err := conn.GetConnectionStatus(ctx, src)
	if err != nil {
		return nil, s.connectorError(err)
	}

	active := src.Status != model.SourceStatusSyncing && CanTransition(src.Status, model.SourceStatusExpired)
	if view.Status == model.SourceStatusExpired && active {
		msg := view.Error
		if msg == "" {
			msg = connector.ErrCredentialsExpired.Error()
		}
		if err := s.sources.MarkExpired(ctx, src.ID, msg); err != nil {
			return nil, err
		}
		s.logger.Info("ソースの資格情報の失効を記録しました",
			slog.String("source_id", src.ID),
			slog.String("source_type", string(src.Type)),
		)
	}
	return view, nil
}

// Disconnect はソースの資格情報を削除して DISCONNECTED にする。
// 外部サービス側の取り消しはベストエフォートで行い、失敗しても切断を続行する。
func (s *Service) Disconnect(ctx context.Context, userID, sourceID string) error {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return err
	}
	s.revokeUpstream(ctx, src)
	if err := s.sources.Disconnect(ctx, src.ID); err != nil {
		return err
	}
	s.logger.Info("ソースを切断しました",
		slog.String("source_id", src.ID),
		slog.String("source_type", string(src.Type)),
		slog.String("user_id", userID),
	)
	return nil
}

// DeleteSource はソースを削除する。記事はCASCADE削除される。
func (s *Service) DeleteSource(ctx context.Context, userID, sourceID string) error {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return err
	}
	s.revokeUpstream(ctx, src)
	return s.sources.Delete(ctx, src.ID)
}

func (s *Service) revokeUpstream(ctx context.Context, src *model.PrivateSource) {
	if !src.HasCredentials() {
		return
	}
	conn, err := s.resolver.Resolve(src.Type)
	if err != nil {
		return
	}
	if err := conn.Disconnect(ctx, src); err != nil {
		s.logger.Warn("外部サービスでの資格情報の取り消しに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("source_type", string(src.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// UpdateConfig はソース設定をコネクタで検証してから保存する。
// 増分同期のウォーターマークとパターンのバージョンは引き継ぐ。
func (s *Service) UpdateConfig(ctx context.Context, userID, sourceID string, raw json.RawMessage) (*model.PrivateSource, error) {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	cfg, err := model.DecodeSourceConfig(src.Type, raw)
	if err != nil {
		return nil, model.NewInvalidConfigError(err.Error())
	}
	if cfg.Gmail != nil && src.Config.Gmail != nil && cfg.Gmail.LastSyncMessageID == "" {
		cfg.Gmail.LastSyncMessageID = src.Config.Gmail.LastSyncMessageID
	}
	if cfg.Website != nil && src.Config.Website != nil && cfg.Website.PatternVersion == 0 {
		cfg.Website.PatternVersion = src.Config.Website.PatternVersion
	}
	if err := s.saveConfig(ctx, src, cfg); err != nil {
		return nil, err
	}
	return src, nil
}

// ExtractPatterns は選択されたURLからinclude/excludeパターンを推定する。
func (s *Service) ExtractPatterns(selected, discovered []string) (pattern.Result, error) {
	if len(selected) == 0 {
		return pattern.Result{}, model.NewInvalidConfigError("at least one selected URL is required")
	}
	return pattern.Extract(selected, discovered), nil
}

// ConfigurePatterns はパターンを推定してWebサイトソースの設定として保存する。
func (s *Service) ConfigurePatterns(ctx context.Context, userID, sourceID string, selected, discovered []string) (*model.PrivateSource, pattern.Result, error) {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return nil, pattern.Result{}, err
	}
	if src.Type != model.SourceTypeWebsite {
		return nil, pattern.Result{}, model.NewUnsupportedOperationError(src.Type, "pattern configuration")
	}

	result, err := s.ExtractPatterns(selected, discovered)
	if err != nil {
		return nil, pattern.Result{}, err
	}
	if len(result.Patterns) == 0 {
		return nil, result, model.NewInvalidConfigError("no pattern could be derived from the selected URLs")
	}

	w := model.WebsiteConfig{}
	if src.Config.Website != nil {
		w = *src.Config.Website
	}
	now := s.now().UTC()
	w.IncludePatterns = result.IncludePatterns()
	w.ExcludePatterns = result.SuggestedExcludes
	if w.ExcludePatterns == nil {
		w.ExcludePatterns = []string{}
	}
	w.PatternVersion++
	w.LastConfiguredAt = &now
	w.SampleURLs = selected
	if len(w.SampleURLs) > maxSampleURLs {
		w.SampleURLs = w.SampleURLs[:maxSampleURLs]
	}

	if err := s.saveConfig(ctx, src, model.SourceConfig{Type: model.SourceTypeWebsite, Website: &w}); err != nil {
		return nil, result, err
	}
	return src, result, nil
}

func (s *Service) saveConfig(ctx context.Context, src *model.PrivateSource, cfg model.SourceConfig) error {
	conn, err := s.resolver.Resolve(src.Type)
	if err != nil {
		return err
	}
	if err := conn.ValidateConfig(cfg); err != nil {
		return model.NewInvalidConfigError(err.Error())
	}
	if err := s.sources.UpdateConfig(ctx, src.ID, cfg); err != nil {
		return err
	}
	src.Config = cfg
	return nil
}

// DiscoverLinks はページ内のリンクを収集する。パターン推定の候補として使用する。
func (s *Service) DiscoverLinks(ctx context.Context, rawURL string) ([]string, error) {
	target, err := website.NormalizeURL(rawURL)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	if err := security.ValidateURL(target); err != nil {
		return nil, model.NewSSRFBlockedError()
	}

	conn, err := s.resolver.Resolve(model.SourceTypeWebsite)
	if err != nil {
		return nil, err
	}
	d, ok := conn.(linkDiscoverer)
	if !ok {
		return nil, model.NewUnsupportedOperationError(model.SourceTypeWebsite, "link discovery")
	}
	links, err := d.DiscoverLinks(ctx, target)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	return links, nil
}

// BrowseGmailSenders はGmailソースの送信者一覧を返す。
func (s *Service) BrowseGmailSenders(ctx context.Context, userID, sourceID string) ([]gmail.Sender, error) {
	src, browser, err := s.gmailSource(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	senders, err := browser.BrowseSenders(ctx, src)
	if err != nil {
		return nil, s.connectorError(err)
	}
	return senders, nil
}

// SearchGmail は自然言語の意図をGmail検索クエリに変換して検索する。
func (s *Service) SearchGmail(ctx context.Context, userID, sourceID, intent string) (*gmail.SearchResult, error) {
	src, browser, err := s.gmailSource(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	result, err := browser.SearchByIntent(ctx, src, intent)
	var terr *gmail.TranslationError
	if errors.As(err, &terr) {
		return nil, model.NewTranslationFailedError(terr.Error())
	}
	if err != nil {
		return nil, s.connectorError(err)
	}
	return result, nil
}

func (s *Service) gmailSource(ctx context.Context, userID, sourceID string) (*model.PrivateSource, senderBrowser, error) {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return nil, nil, err
	}
	if src.Type != model.SourceTypeGmail {
		return nil, nil, model.NewUnsupportedOperationError(src.Type, "sender browsing")
	}
	if !src.HasCredentials() {
		return nil, nil, model.NewSourceDisconnectedError()
	}
	conn, err := s.resolver.Resolve(src.Type)
	if err != nil {
		return nil, nil, err
	}
	browser, ok := conn.(senderBrowser)
	if !ok {
		return nil, nil, model.NewUnsupportedOperationError(src.Type, "sender browsing")
	}
	return src, browser, nil
}

// SearchLinkedInProfiles はLinkedInのプロフィールを検索する。
func (s *Service) SearchLinkedInProfiles(ctx context.Context, userID, sourceID, query string, limit int) ([]scrape.LinkedInProfile, error) {
	src, err := s.ownedSource(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	if src.Type != model.SourceTypeLinkedIn {
		return nil, model.NewUnsupportedOperationError(src.Type, "profile search")
	}
	if !src.HasCredentials() {
		return nil, model.NewSourceDisconnectedError()
	}
	conn, err := s.resolver.Resolve(src.Type)
	if err != nil {
		return nil, err
	}
	searcher, ok := conn.(profileSearcher)
	if !ok {
		return nil, model.NewUnsupportedOperationError(src.Type, "profile search")
	}
	profiles, err := searcher.SearchProfiles(ctx, src, query, limit)
	if err != nil {
		return nil, s.connectorError(err)
	}
	return profiles, nil
}

// requireUser はソースの所有者となるユーザーが存在することを確認する。
func (s *Service) requireUser(ctx context.Context, userID string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	if u == nil {
		return model.NewUserNotFoundError()
	}
	return nil
}

// ownedSource はユーザーが所有するソースを返す。他ユーザーのソースは存在しないものとして扱う。
func (s *Service) ownedSource(ctx context.Context, userID, sourceID string) (*model.PrivateSource, error) {
	src, err := s.sources.FindByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil || src.UserID != userID {
		return nil, model.NewSourceNotFoundError(sourceID)
	}
	return src, nil
}

// connectorError はコネクタのエラーを呼び出し元向けのエラーに変換する。
func (s *Service) connectorError(err error) error {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case IsConfigurationError(err):
		return model.NewServiceUnavailableError(err.Error())
	case errors.Is(err, connector.ErrCredentialsExpired), errors.Is(err, connector.ErrReauthRequired):
		return model.NewReauthRequiredError()
	}
	return err
}
