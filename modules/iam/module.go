// Package iam wires the decentralized permission demo: session-scoped
// identity clients, the change request approval pipeline, and the JSON
// API surface.
package iam

import (
	"encoding/json"

	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/modules/iam/permissions"
	"github.com/iota-uz/iam-demo/modules/iam/presentation/controllers"
	"github.com/iota-uz/iam-demo/modules/iam/services"
	"github.com/iota-uz/iam-demo/pkg/application"
	"github.com/iota-uz/iam-demo/pkg/authz"
	"github.com/iota-uz/iam-demo/pkg/configuration"
)

func NewModule() application.Module {
	return &Module{}
}

type Module struct {
}

func (m *Module) Name() string {
	return "iam"
}

func (m *Module) Register(app application.Application) error {
	cfg := configuration.Use()
	logger := app.Logger()

	checker, err := authz.NewService(logger, permissions.DefaultPolicies())
	if err != nil {
		return err
	}

	factory := func() identity.Client {
		return identity.NewHTTPClient(identity.Config{
			BaseURL:      cfg.Identity.BaseURL,
			Realm:        cfg.Identity.Realm,
			ClientID:     cfg.Identity.ClientID,
			ClientSecret: cfg.Identity.ClientSecret,
		})
	}

	app.RegisterServices(
		checker,
		services.NewAuthService(factory, cfg.SessionDuration, logger),
		services.NewProfileService(),
		services.NewWorkspaceManager(services.WorkspaceOptions{
			Publisher: app.EventPublisher(),
			Logger:    logger,
			Pool:      cfg.Quorum.Parties(),
			Threshold: cfg.Quorum.Threshold,
			BaseDelay: cfg.Quorum.ApprovalBaseDelay,
		}),
	)

	app.RegisterControllers(
		controllers.NewAuthController(app),
		controllers.NewProfileController(app),
		controllers.NewAdminController(app),
		controllers.NewWSController(app),
	)

	registerBroadcasts(app)
	return nil
}

// registerBroadcasts pushes lifecycle events onto the websocket hub so
// connected clients re-render as requests move through the pipeline.
func registerBroadcasts(app application.Application) {
	hub := app.Websocket()
	logger := app.Logger()
	send := func(kind string, payload any) {
		raw, err := json.Marshal(map[string]any{"kind": kind, "payload": payload})
		if err != nil {
			logger.WithError(err).Error("iam: broadcast encode failed")
			return
		}
		hub.BroadcastToChannel(controllers.RequestsChannel, raw)
	}
	app.EventPublisher().Subscribe(func(ev services.ChangeRequestTransitionedEvent) {
		send("request.transitioned", ev)
	})
	app.EventPublisher().Subscribe(func(ev services.ApprovalRecordedEvent) {
		send("request.approval", ev)
	})
	app.EventPublisher().Subscribe(func(ev services.ReconcileCompletedEvent) {
		send("reconcile.completed", ev)
	})
}
