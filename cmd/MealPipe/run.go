package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MealPipe/internal/api"
	"github.com/BTreeMap/MealPipe/internal/flow"
	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/geocode"
	"github.com/BTreeMap/MealPipe/internal/lockfile"
	"github.com/BTreeMap/MealPipe/internal/messaging"
	"github.com/BTreeMap/MealPipe/internal/order"
	"github.com/BTreeMap/MealPipe/internal/planner"
	"github.com/BTreeMap/MealPipe/internal/store"
	"github.com/BTreeMap/MealPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/MealPipe/internal/whatsapp"
)

// ExpiredSessionSweepInterval is how often SQL backends purge expired sessions.
const ExpiredSessionSweepInterval = time.Hour

// expirySweeper is implemented by the SQL session stores.
type expirySweeper interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// run wires every component and blocks until ctx is cancelled or the API server fails.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(config, flags)...)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	gateway, err := buildGateway(config, flags)
	if err != nil {
		return err
	}

	tokens := order.NewCacheTokenStore()
	orderOpts, auth, err := buildOrderOptions(config, tokens)
	if err != nil {
		return err
	}
	orders := order.NewService(tokens, orderOpts...)

	svc, apiOpts, err := buildMessagingService(ctx, config, flags)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer svc.Stop()

	var flowOpts []flow.Option
	if config.GeoapifyKey != "" {
		gc, err := geocode.NewClient(config.GeoapifyKey)
		if err != nil {
			return fmt.Errorf("create geocoder: %w", err)
		}
		flowOpts = append(flowOpts, flow.WithGeocoder(gc))
	} else {
		slog.Info("GEOAPIFY_API_KEY not set, shared locations keep coordinates only")
	}
	controller := flow.NewController(st, svc, gateway, orders, flowOpts...)

	dispatcherOpts := buildDispatcherOptions(config)
	if repo, ok := st.(store.DedupRepo); ok {
		dispatcherOpts = append(dispatcherOpts, messaging.WithDedup(repo))
	} else {
		dispatcherOpts = append(dispatcherOpts, messaging.WithDedup(store.NewInMemoryDedup(store.DefaultDedupWindow)))
	}
	dispatcher := messaging.NewDispatcher(controller, dispatcherOpts...)
	defer dispatcher.Close()
	go dispatcher.Run(ctx, svc)

	if auth != nil {
		go order.NewRefresher(auth, tokens, order.DefaultRefreshInterval).Run(ctx)
		apiOpts = append(apiOpts, api.WithOAuthCallback(auth, svc))
	}
	if sweeper, ok := st.(expirySweeper); ok {
		go sweepExpiredSessions(ctx, sweeper, ExpiredSessionSweepInterval)
	}

	apiOpts = append(apiOpts, buildAPIOptions(flags)...)
	server := api.NewServer(st, controller, dispatcher, apiOpts...)
	return server.Start(ctx)
}

// buildGateway creates the completion client and the plan gateway with optional template overrides.
func buildGateway(config Config, flags Flags) (*planner.Gateway, error) {
	llm, err := genai.NewClient(buildGenAIOptions(config, flags)...)
	if err != nil {
		return nil, fmt.Errorf("create completion client: %w", err)
	}
	templates := planner.DefaultTemplates()
	if *flags.promptsFile != "" {
		templates, err = planner.LoadTemplates(*flags.promptsFile)
		if err != nil {
			return nil, fmt.Errorf("load prompt templates: %w", err)
		}
		slog.Info("Loaded prompt templates", "path", *flags.promptsFile)
	}
	return planner.NewGateway(llm, planner.WithTemplates(templates), planner.WithTimeout(config.GenAITimeout))
}

// buildOrderOptions configures OAuth login links when the provider is configured.
func buildOrderOptions(config Config, tokens order.TokenStore) ([]order.Option, *order.Authenticator, error) {
	if !config.oauthConfigured() {
		slog.Info("OAuth provider not configured, orders will be unavailable")
		return nil, nil, nil
	}
	auth, err := order.NewAuthenticator(order.AuthConfig{
		ClientID:     config.OAuthClientID,
		ClientSecret: config.OAuthSecret,
		AuthURL:      config.OAuthAuthURL,
		TokenURL:     config.OAuthTokenURL,
		RedirectURL:  config.OAuthRedirect,
		StateSecret:  config.OAuthStateKey,
	}, tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("configure oauth: %w", err)
	}
	return []order.Option{order.WithLoginLinker(auth)}, auth, nil
}

// buildMessagingService creates the selected chat platform and any API routes it needs.
func buildMessagingService(ctx context.Context, config Config, flags Flags) (messaging.Service, []api.Option, error) {
	switch *flags.platform {
	case PlatformWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("create whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case PlatformTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.TwilioHookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(client, config.TwilioHookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures will not be verified")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, []api.Option{api.WithTwilioWebhook(svc.TwilioWebhookHandler)}, nil
	case PlatformMemory:
		slog.Warn("Using in-memory messaging; replies stay in process and events arrive through POST /events")
		return messaging.NewMemoryService(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging platform %q", *flags.platform)
	}
}

// sweepExpiredSessions purges expired SQL rows every interval until ctx ends.
func sweepExpiredSessions(ctx context.Context, sweeper expirySweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sweeper.DeleteExpiredSessions(ctx, now)
			if err != nil {
				slog.Warn("sweepExpiredSessions: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("sweepExpiredSessions: purged expired sessions", "count", n)
			}
		}
	}
}
