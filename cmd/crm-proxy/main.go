package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/auth"
	"github.com/Sternrassler/crm-records-client/pkg/cache"
	"github.com/Sternrassler/crm-records-client/pkg/client"
	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/Sternrassler/crm-records-client/pkg/logging"
	"github.com/Sternrassler/crm-records-client/pkg/metrics"
	"github.com/Sternrassler/crm-records-client/pkg/pagination"
	"github.com/Sternrassler/crm-records-client/pkg/query"
	"github.com/Sternrassler/crm-records-client/pkg/records"
	"github.com/Sternrassler/crm-records-client/pkg/registry"
	"github.com/Sternrassler/crm-records-client/pkg/response"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := LoadConfig(os.Getenv(envPrefix+"_CONFIG_FILE"), ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "crm-proxy: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{Level: logging.LogLevel(cfg.LogLevel), Pretty: cfg.LogPretty})
	logger := logging.NewLogger("crm-proxy")

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	svc, err := newService(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create CRM client")
	}
	defer svc.Close()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("base_url", cfg.BaseURL).
			Str("user_agent", cfg.UserAgent).
			Bool("shared_state", redisClient != nil).
			Msg("Starting CRM proxy server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
	logger.Info().Msg("CRM proxy stopped")
}

// service holds the proxy's dependencies.
type service struct {
	client  *client.Client
	lister  *records.Lister
	redis   *redis.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// newService wires broker, token provider, client and lister from cfg.
// With a Redis client the access token is shared through the token cache and
// requests pass the shared rate limit gate.
func newService(cfg Config, redisClient *redis.Client) (*service, error) {
	broker, err := auth.NewBroker(auth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		Endpoint:     cfg.AuthEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("create token broker: %w", err)
	}

	var providerOpts []auth.ProviderOption
	if redisClient != nil {
		key := cache.TokenKey{Endpoint: broker.Endpoint(), ClientID: broker.ClientID()}
		providerOpts = append(providerOpts, auth.WithStore(auth.NewCacheStore(cache.NewManager(redisClient), key)))
	}
	tokens := auth.NewProvider(broker, providerOpts...)

	clientCfg := client.DefaultConfig(tokens, cfg.UserAgent)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.Redis = redisClient
	crmClient, err := client.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &service{
		client:  crmClient,
		lister:  records.NewLister(crmClient, crmClient.Registry()),
		redis:   redisClient,
		timeout: cfg.RequestTimeout,
		logger:  logging.NewLogger("crm-proxy"),
	}, nil
}

func (s *service) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func (s *service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /records/{module}", s.recordsHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *service) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "READY")
}

// listResponse is the JSON body of /records/{module}. Error is set when the
// listing stopped early; the records merged before the failure are kept.
type listResponse struct {
	response.MergedResult
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Class   client.ErrorClass `json:"class"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
}

func (s *service) recordsHandler(w http.ResponseWriter, r *http.Request) {
	module := r.PathValue("module")
	q, opts, err := parseListRequest(module, r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, listResponse{
			MergedResult: response.MergedResult{Records: []response.Record{}},
			Error:        newErrorBody(err),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	result, err := s.lister.List(ctx, q, opts)
	if result.Records == nil {
		result.Records = []response.Record{}
	}
	if err != nil {
		body := newErrorBody(err)
		s.logger.Warn().
			Err(err).
			Str("module", module).
			Str("error_class", string(body.Class)).
			Int("records", len(result.Records)).
			Msg("Record listing failed")
		writeJSON(w, statusFor(body.Class), listResponse{MergedResult: result, Error: body})
		return
	}
	writeJSON(w, http.StatusOK, listResponse{MergedResult: result})
}

// parseListRequest builds a getRecords query and list options from the
// request parameters: fields, per_page, sort_by, sort_order, modified_since,
// mode, window, max_pages and dedupe.
func parseListRequest(module string, values url.Values) (query.Query, records.Options, error) {
	q, err := query.New(module, registry.MethodGetRecords)
	if err != nil {
		return query.Query{}, records.Options{}, err
	}

	if fields := values.Get("fields"); fields != "" {
		q = q.Select(strings.Split(fields, ",")...)
	}
	if sortBy := values.Get("sort_by"); sortBy != "" {
		order := query.SortDirection(strings.ToLower(values.Get("sort_order")))
		if order == "" {
			order = query.Asc
		}
		if q, err = q.SortBy(sortBy, order); err != nil {
			return query.Query{}, records.Options{}, err
		}
	}
	if q, err = q.ModifiedAfterString(values.Get("modified_since")); err != nil {
		return query.Query{}, records.Options{}, err
	}

	var opts records.Options
	if opts.PageSize, err = intParam(values, query.ParamPerPage); err != nil {
		return query.Query{}, records.Options{}, err
	}
	if opts.MaxPages, err = intParam(values, "max_pages"); err != nil {
		return query.Query{}, records.Options{}, err
	}
	opts.DedupeKey = values.Get("dedupe")

	switch mode := strings.ToLower(values.Get("mode")); mode {
	case "", "sequential":
		opts.Mode = pagination.Sequential()
	case "concurrent":
		window, err := intParam(values, "window")
		if err != nil {
			return query.Query{}, records.Options{}, err
		}
		opts.Mode = pagination.Concurrent(window)
	default:
		return query.Query{}, records.Options{}, crmerr.Invalid("mode", mode, "mode must be sequential or concurrent")
	}

	return q, opts, nil
}

func intParam(values url.Values, key string) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, crmerr.Invalid(key, raw, key+" must be a non-negative integer")
	}
	return n, nil
}

func newErrorBody(err error) *errorBody {
	body := &errorBody{Class: client.Classify(err), Message: err.Error()}
	var apiErr *crmerr.APIError
	if errors.As(err, &apiErr) {
		body.Code = apiErr.Code
	}
	return body
}

// statusFor maps an error class to the proxy's response status.
func statusFor(class client.ErrorClass) int {
	switch class {
	case client.ErrorClassValidation:
		return http.StatusBadRequest
	case client.ErrorClassRateLimit:
		return http.StatusTooManyRequests
	case client.ErrorClassCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.NewLogger("crm-proxy")
		logger.Error().Err(err).Msg("Failed to write response")
	}
}
