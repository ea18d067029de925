package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/gofhir/fhir/r4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/cds"
	"github.com/ehr/cdshooks/internal/platform/breaker"
	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/fhirclient"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

// app holds the long-lived components shared by the server and the CLI
// commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	pool     *pgxpool.Pool
	redis    *redis.Client
	expander terminology.Provider
	rules    *cds.RuleSet
	feedback cds.FeedbackRepository
	service  *cds.Service
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newApp connects the configured backing services and loads the rules.
// metrics may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.feedback = cds.NewFeedbackRepoPG(pool)
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	expander, err := a.newExpander()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.expander = expander

	libs := cql.NewLibraryCache()
	source, err := a.newRuleSource(libs)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.rules = cds.NewRuleSet(source, libs, logger)
	if err := a.rules.Reload(ctx); err != nil {
		a.Close()
		return nil, err
	}

	policy, err := cds.ParseConditionPolicy(cfg.ConditionPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = cds.NewService(a.rules, a.feedback, cds.Config{
		Policy:       policy,
		Expander:     a.expander,
		MaxURILength: cfg.MaxURILength,
		Metrics:      metrics,
	}, logger)
	return a, nil
}

func (a *app) newBreaker(name string, isSuccessful func(error) bool) *breaker.Breaker {
	bc := breaker.DefaultConfig(name)
	bc.FailureThreshold = a.cfg.BreakerMaxFailures
	bc.Timeout = a.cfg.BreakerTimeout
	bc.IsSuccessful = isSuccessful
	return breaker.New(bc, a.logger, a.metrics)
}

// newExpander returns the cached value set provider: the remote terminology
// server when configured, otherwise the ValueSets shipped next to file rules.
func (a *app) newExpander() (terminology.Provider, error) {
	var next terminology.Provider
	if a.cfg.TerminologyURL != "" {
		next = terminology.NewClient(terminology.ClientConfig{
			BaseURL:  a.cfg.TerminologyURL,
			Username: a.cfg.TerminologyUser,
			Password: a.cfg.TerminologyPassword,
			Timeout:  a.cfg.RequestTimeout,
		}, a.newBreaker("terminology", terminology.IsClientError), a.logger)
	} else {
		mem := terminology.NewInMemoryProvider()
		if a.cfg.RuleSource == config.RuleSourceFile {
			n, err := loadValueSets(a.cfg.RulesDir, mem)
			if err != nil {
				return nil, err
			}
			a.logger.Info().Int("value_sets", n).Msg("local value sets loaded")
		}
		next = mem
	}
	return terminology.NewCachedProvider(next, terminology.CacheConfig{
		Size:         a.cfg.TerminologyCacheSize,
		TTL:          a.cfg.TerminologyCacheTTL,
		FetchTimeout: a.cfg.RequestTimeout,
		Redis:        a.redis,
	}, a.metrics, a.logger), nil
}

// newRuleSource builds the configured source. libs must be the cache the
// RuleSet resets on reload.
func (a *app) newRuleSource(libs *cql.LibraryCache) (cds.RuleSource, error) {
	switch a.cfg.RuleSource {
	case config.RuleSourceFHIR:
		client := fhirclient.New(fhirclient.Config{
			BaseURL: a.cfg.FHIRServerURL,
			Token:   a.cfg.FHIRServerToken,
			Timeout: a.cfg.RequestTimeout,
		}, a.newBreaker("fhir", fhirclient.IsClientError), a.logger)
		return cds.NewFHIRSource(client, libs, a.logger), nil
	case config.RuleSourcePostgres:
		if a.pool == nil {
			return nil, fmt.Errorf("rule source %q needs DATABASE_URL", config.RuleSourcePostgres)
		}
		return cds.NewPostgresSource(cds.NewRuleRepoPG(a.pool), libs, a.logger), nil
	default:
		return cds.NewDirSource(a.cfg.RulesDir, libs, a.logger), nil
	}
}

// Close releases the connections held by the app.
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// loadValueSets adds every ValueSet found in *.json files under dir to mem.
// A missing dir loads nothing.
func loadValueSets(dir string, mem *terminology.InMemoryProvider) (int, error) {
	resources, err := cds.ReadResources(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, res := range resources {
		if fhir.ResourceType(res) != "ValueSet" {
			continue
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return n, err
		}
		var vs r4.ValueSet
		if err := json.Unmarshal(raw, &vs); err != nil {
			return n, fmt.Errorf("value set %s: %w", fhir.ResourceID(res), err)
		}
		if err := mem.LoadR4ValueSet(&vs); err != nil {
			return n, fmt.Errorf("value set %s: %w", fhir.ResourceID(res), err)
		}
		n++
	}
	return n, nil
}
