package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iota-uz/iam-demo/modules/iam/services"
	"github.com/iota-uz/iam-demo/pkg/application"
	"github.com/iota-uz/iam-demo/pkg/configuration"
	"github.com/iota-uz/iam-demo/pkg/ws"
)

// RequestsChannel carries change request lifecycle notifications to
// connected clients so the UI re-renders without polling.
const RequestsChannel = "iam.requests"

// WSController upgrades authenticated clients onto the notification hub.
type WSController struct {
	app      application.Application
	basePath string
	auth     *services.AuthService
	cfg      *configuration.Configuration
}

func NewWSController(app application.Application) application.Controller {
	return &WSController{
		app:      app,
		basePath: "/iam/api/ws",
		auth:     app.Service(services.AuthService{}).(*services.AuthService),
		cfg:      configuration.Use(),
	}
}

func (c *WSController) Key() string {
	return c.basePath
}

func (c *WSController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.Use(requireSession(c.auth, c.cfg.SidCookieKey))
	router.HandleFunc("", c.connect).Methods(http.MethodGet)
}

func (c *WSController) connect(w http.ResponseWriter, r *http.Request) {
	hub := c.app.Websocket()
	hub.ServeHTTP(w, r)
}

// JoinOnConnect subscribes every new connection to the requests channel.
func JoinOnConnect(r *http.Request, hub *ws.Hub, conn *ws.Connection) error {
	hub.JoinChannel(RequestsChannel, conn)
	return nil
}
