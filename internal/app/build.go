package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"apigateway/config"
	"apigateway/internal/auditlog"
	"apigateway/internal/expression"
	"apigateway/internal/httpclient"
	"apigateway/internal/message"
	"apigateway/internal/policy"
	"apigateway/internal/proxy"
	"apigateway/internal/reporter"
	"apigateway/internal/security"
	"apigateway/internal/server"
	"apigateway/internal/storage"
	"apigateway/internal/subscription"
)

// gateway is the per-API component graph built from configuration.
type gateway struct {
	deps  server.Dependencies
	cache io.Closer
}

func buildGateway(ctx context.Context, cfg *config.Config, sink reporter.Sink) (*gateway, error) {
	logging, err := auditlog.NewPolicy(auditlog.Definition{
		Mode:                  auditlog.Mode(cfg.Logging.Mode),
		Scope:                 auditlog.Scope(cfg.Logging.Scope),
		Content:               auditlog.Content(cfg.Logging.Content),
		MaxSizeLogMessage:     cfg.Logging.MaxSizeLogMessage,
		ExcludedResponseTypes: cfg.Logging.ExcludedResponseTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}

	policies, err := buildPolicies(cfg.Policies, logging)
	if err != nil {
		return nil, err
	}

	messages, err := buildMessages(cfg.Messages)
	if err != nil {
		return nil, err
	}

	invoker, err := proxy.New(proxy.Config{
		Target:        cfg.API.Target,
		ContextPath:   cfg.API.ContextPath,
		Breaker:       proxy.BreakerConfig(cfg.API.Breaker),
		RedactHeaders: cfg.Logging.RedactHeaders,
	}, buildHTTPClient(cfg.HTTP), logging)
	if err != nil {
		return nil, fmt.Errorf("invalid api configuration: %w", err)
	}

	fetcher, cache, err := buildSubscriptions(ctx, cfg)
	if err != nil {
		return nil, err
	}

	chain, err := buildSecurity(cfg.Security, fetcher)
	if err != nil {
		if cache != nil {
			_ = cache.Close()
		}
		return nil, err
	}

	return &gateway{
		deps: server.Dependencies{
			APIID:         cfg.API.ID,
			ContextPath:   cfg.API.ContextPath,
			SkipPaths:     cfg.Security.SkipPaths,
			Logging:       logging,
			RedactHeaders: cfg.Logging.RedactHeaders,
			Security:      chain,
			Policies:      policies,
			Invoker:       invoker,
			Reporter:      sink,
			Messages:      messages,
		},
		cache: cache,
	}, nil
}

// buildSecurity returns nil when no plan is configured, which serves every
// request unauthenticated.
func buildSecurity(cfg config.SecurityConfig, fetcher subscription.Fetcher) (*security.Chain, error) {
	if len(cfg.Plans) == 0 {
		return nil, nil
	}

	candidates := make([]security.Candidate, 0, len(cfg.Plans))
	for _, plan := range cfg.Plans {
		var p security.Policy
		switch plan.Security {
		case config.PlanKeyless:
			p = security.NewKeyless(plan.Order)
		case config.PlanAPIKey:
			p = security.NewAPIKey(security.APIKeyConfig{
				Order:     plan.Order,
				Header:    plan.APIKey.Header,
				Query:     plan.APIKey.Query,
				Propagate: plan.APIKey.Propagate,
			})
		case config.PlanJWT:
			jwtPolicy, err := security.NewJWT(security.JWTConfig{
				Order:               plan.Order,
				Secret:              plan.JWT.Secret,
				ClientIDClaim:       plan.JWT.ClientIDClaim,
				Issuer:              plan.JWT.Issuer,
				RemoveAuthorization: plan.JWT.RemoveAuthorization,
			})
			if err != nil {
				return nil, fmt.Errorf("plan %q: %w", plan.ID, err)
			}
			p = jwtPolicy
		default:
			return nil, fmt.Errorf("plan %q: unknown security type %q", plan.ID, plan.Security)
		}

		cand := security.Candidate{PlanID: plan.ID, Policy: p}
		if plan.SelectionRule != "" {
			rule, err := expression.Compile(plan.SelectionRule)
			if err != nil {
				return nil, fmt.Errorf("plan %q: invalid selection rule: %w", plan.ID, err)
			}
			cand.SelectionRule = rule
		}
		candidates = append(candidates, cand)
	}

	return security.NewChain(candidates,
		security.WithVerbose401(cfg.Verbose401),
		security.WithSubscriptions(fetcher),
	), nil
}

// buildSubscriptions loads the configured subscriptions and puts the
// configured cache in front of them. The returned closer may be nil.
func buildSubscriptions(ctx context.Context, cfg *config.Config) (subscription.Fetcher, io.Closer, error) {
	subs := make([]subscription.Subscription, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		subs = append(subs, subscription.Subscription{
			ID:             s.ID,
			APIID:          cfg.API.ID,
			PlanID:         s.Plan,
			ApplicationID:  s.Application,
			CredentialType: s.CredentialType,
			Credential:     s.Credential,
			EndingAt:       s.EndingAt,
		})
	}
	repo := subscription.NewStaticRepository(subs...)

	switch cfg.Cache.Type {
	case "", "none":
		return repo, nil, nil
	case "local":
		fetcher := subscription.NewCachedFetcher(repo, subscription.NewLocalCache(cfg.Cache.TTL))
		return fetcher, fetcher, nil
	case "redis":
		cache, err := subscription.NewRedisCache(ctx, subscription.RedisConfig{
			URL:    cfg.Cache.Redis.URL,
			Prefix: cfg.Cache.Redis.Prefix,
			TTL:    cfg.Cache.TTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize subscription cache: %w", err)
		}
		fetcher := subscription.NewCachedFetcher(repo, cache)
		return fetcher, fetcher, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache type %q", cfg.Cache.Type)
	}
}

func buildPolicies(cfg config.PoliciesConfig, logging *auditlog.Policy) (*policy.Chain, error) {
	chain := policy.NewChain()

	if cfg.RedactLog.Enabled {
		redact := policy.NewRedactLogPolicy(logging, cfg.RedactLog.Headers, cfg.RedactLog.Mask)
		if err := chain.Add(redact, cfg.RedactLog.Order); err != nil {
			return nil, err
		}
	}

	transform := policy.NewTransformHeadersPolicy(
		policy.HeaderRules{Set: cfg.TransformHeaders.Request.Set, Remove: cfg.TransformHeaders.Request.Remove},
		policy.HeaderRules{Set: cfg.TransformHeaders.Response.Set, Remove: cfg.TransformHeaders.Response.Remove},
	)
	if transform.Phases() != 0 {
		if err := chain.Add(transform, cfg.TransformHeaders.Order); err != nil {
			return nil, err
		}
	}

	if cfg.ExcludedTypes.Pattern != "" {
		excluded, err := policy.NewExcludedTypesPolicy(cfg.ExcludedTypes.Pattern, cfg.ExcludedTypes.Paths...)
		if err != nil {
			return nil, fmt.Errorf("invalid excluded_response_types policy: %w", err)
		}
		if err := chain.Add(excluded, cfg.ExcludedTypes.Order); err != nil {
			return nil, err
		}
	}

	return chain, nil
}

// buildMessages returns nil when message tracking is disabled.
func buildMessages(cfg config.MessagesConfig) (*server.MessageOptions, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	strategy, err := message.NewStrategy(message.SamplingConfig{
		Type:        cfg.Sampling.Type,
		Count:       cfg.Sampling.Count,
		Probability: cfg.Sampling.Probability,
		Interval:    cfg.Sampling.Interval,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid message sampling: %w", err)
	}

	opts := &server.MessageOptions{Strategy: strategy, LogEnabled: cfg.LogEnabled}
	if cfg.LogCondition != "" {
		condition, err := expression.Compile(cfg.LogCondition)
		if err != nil {
			return nil, fmt.Errorf("invalid message log condition: %w", err)
		}
		opts.LogCondition = condition
	}
	return opts, nil
}

func buildHTTPClient(cfg config.HTTPConfig) *http.Client {
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = time.Duration(cfg.Timeout) * time.Second
	clientCfg.ResponseHeaderTimeout = time.Duration(cfg.ResponseHeaderTimeout) * time.Second
	return httpclient.NewHTTPClient(&clientCfg)
}

func storageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Type:       cfg.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:             cfg.PostgreSQL.URL,
			MaxConns:        cfg.PostgreSQL.MaxConns,
			MinConns:        cfg.PostgreSQL.MinConns,
			MaxConnLifetime: cfg.PostgreSQL.MaxConnLifetime,
		},
		MongoDB: storage.MongoDBConfig{
			URL:            cfg.MongoDB.URL,
			Database:       cfg.MongoDB.Database,
			ConnectTimeout: cfg.MongoDB.ConnectTimeout,
		},
	}
}
