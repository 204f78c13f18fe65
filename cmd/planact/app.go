package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/planact/features/answers"
	answersredis "goa.design/planact/features/answers/redis"
	mcpruntime "goa.design/planact/features/mcp/runtime"
	"goa.design/planact/features/model/anthropic"
	"goa.design/planact/features/model/bedrock"
	"goa.design/planact/features/model/middleware"
	"goa.design/planact/features/model/openai"
	"goa.design/planact/features/model/replay"
	"goa.design/planact/features/questions"
	runlogmongo "goa.design/planact/features/runlog/mongo"
	clientsmongo "goa.design/planact/features/runlog/mongo/clients/mongo"
	"goa.design/planact/features/tools/webfetch"
	"goa.design/planact/runtime/agent/actor"
	"goa.design/planact/runtime/agent/controller"
	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/planner"
	"goa.design/planact/runtime/agent/replanner"
	"goa.design/planact/runtime/agent/runlog"
	"goa.design/planact/runtime/agent/runlog/inmem"
	"goa.design/planact/runtime/agent/telemetry"
	"goa.design/planact/runtime/agent/tools"
	"goa.design/planact/runtime/agent/validator"
	"goa.design/planact/runtime/mcp"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg        Config
	tel        telemetry.Set
	controller *controller.Controller
	registry   *tools.Registry
	answers    answers.Store
	questions  *questions.Client
	closers    []func() error
}

// newApp wires the configured model, tools and stores into a controller.
// Callers must Close the returned app.
func newApp(ctx context.Context, cfg Config) (_ *app, err error) {
	a := &app{cfg: cfg, tel: telemetry.Clue()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	client, err := newModelClient(ctx, cfg, a.tel.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.TokensPerMinute > 0 {
		var budget middleware.SharedBudget
		if rdb != nil {
			budget = middleware.NewRedisBudget(rdb)
		}
		key := "planact:tpm:" + cfg.Provider + ":" + cfg.Model
		limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, key, cfg.TokensPerMinute, cfg.TokensPerMinute)
		client = limiter.Middleware()(client)
	}

	if a.registry, err = a.newRegistry(ctx); err != nil {
		return nil, err
	}

	store, err := a.newRunLog(ctx)
	if err != nil {
		return nil, err
	}

	if rdb != nil {
		if a.answers, err = answersredis.New(rdb); err != nil {
			return nil, err
		}
	} else {
		a.answers = answers.NewMemory()
	}

	if a.questions, err = questions.New(cfg.APIURL); err != nil {
		return nil, err
	}

	temp := float32(cfg.Temperature)
	stages := controller.Stages{
		Planner: planner.New(client, planner.Options{MaxTokens: cfg.MaxTokens, Temperature: temp, Telemetry: a.tel}),
		Actor:   actor.New(client, a.registry, actor.Options{MaxTokens: cfg.MaxTokens, Temperature: temp, Telemetry: a.tel}),
		Invoker: actor.NewInvoker(a.registry, actor.InvokerOptions{Timeout: cfg.ToolTimeout, Telemetry: a.tel}),
		Replanner: replanner.New(client, replanner.Options{
			MaxTokens: cfg.MaxTokens, Temperature: temp, Telemetry: a.tel,
		}),
		Validator: validator.New(client, validator.Options{MaxTokens: cfg.MaxTokens, Temperature: temp, Telemetry: a.tel}),
	}
	a.controller, err = controller.New(stages, controller.Options{
		MaxIterations: cfg.MaxIterations,
		RunLog:        store,
		Telemetry:     a.tel,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// runner returns a Runner applying the configured retry policy. onOutcome may
// be nil.
func (a *app) runner(onOutcome func(context.Context, controller.Outcome)) *controller.Runner {
	return controller.NewRunner(a.controller, controller.RunnerOptions{
		MaxAttempts: a.cfg.MaxAttempts,
		OnOutcome:   onOutcome,
		Telemetry:   a.tel,
	})
}

// Close releases connections and child processes in reverse order.
func (a *app) Close() {
	for _, c := range slices.Backward(a.closers) {
		_ = c()
	}
	a.closers = nil
}

func newModelClient(ctx context.Context, cfg Config, logger telemetry.Logger) (model.Client, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), cfg.OpenAIBaseURL, cfg.Model)
	case "anthropic":
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), anthropic.Options{
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
		})
	case "bedrock":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.NewFromConfig(awsCfg, bedrock.Options{
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  float32(cfg.Temperature),
			Logger:       logger,
		})
	case "replay":
		return replay.Load(cfg.ReplayFile)
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

// newRegistry collects the built-in tools and the tools of the configured MCP
// server, wrapping idempotent ones with the result cache.
func (a *app) newRegistry(ctx context.Context) (*tools.Registry, error) {
	ts := []tools.Tool{webfetch.New()}

	caller, err := a.newMCPCaller(ctx)
	if err != nil {
		return nil, err
	}
	if caller != nil {
		remote, err := mcp.Toolset(ctx, caller, mcp.ToolsetOptions{Idempotent: a.cfg.MCP.Idempotent})
		if err != nil {
			return nil, err
		}
		a.tel.Logger.Info(ctx, "mcp tools discovered", "count", len(remote))
		ts = append(ts, remote...)
	}

	if a.cfg.ToolCacheSize > 0 {
		cache, err := tools.NewCache(a.cfg.ToolCacheSize, 0)
		if err != nil {
			return nil, err
		}
		for i, t := range ts {
			ts[i] = cache.Wrap(t)
		}
	}
	return tools.NewRegistry(ts...)
}

func (a *app) newMCPCaller(ctx context.Context) (mcp.Caller, error) {
	opts := mcpruntime.ClientOptions{ClientName: "planact", ClientVersion: version}
	switch {
	case a.cfg.MCP.Command != "":
		c, err := mcpruntime.NewStdioCaller(ctx, mcpruntime.StdioOptions{
			ClientOptions: opts,
			Command:       a.cfg.MCP.Command,
			Args:          a.cfg.MCP.Args,
			Stderr:        os.Stderr,
		})
		if err != nil {
			return nil, fmt.Errorf("start mcp server %q: %w", a.cfg.MCP.Command, err)
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	case a.cfg.MCP.URL != "":
		c, err := mcpruntime.NewHTTPCaller(ctx, mcpruntime.HTTPOptions{ClientOptions: opts, Endpoint: a.cfg.MCP.URL})
		if err != nil {
			return nil, fmt.Errorf("connect to mcp server %s: %w", a.cfg.MCP.URL, err)
		}
		return c, nil
	}
	return nil, nil
}

func (a *app) newRunLog(ctx context.Context) (runlog.Store, error) {
	if a.cfg.Mongo.URI == "" {
		return inmem.New(), nil
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(a.cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	a.closers = append(a.closers, func() error { return mc.Disconnect(context.Background()) })
	client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: a.cfg.Mongo.Database})
	if err != nil {
		return nil, err
	}
	store, err := runlogmongo.NewStore(client)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		return nil, errors.Join(errors.New("mongo is unreachable"), err)
	}
	return store, nil
}
