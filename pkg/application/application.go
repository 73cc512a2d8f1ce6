package application

import (
	"io/fs"
	"reflect"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approval-sdk/pkg/eventbus"
)

// Module is a self-registering unit of the application: it wires its
// repositories, services and controllers into the app on startup.
type Module interface {
	Name() string
	Register(app Application) error
}

// Controller mounts HTTP handlers on the application router.
type Controller interface {
	Register(r *mux.Router)
}

type Application interface {
	Pool() *pgxpool.Pool
	EventPublisher() eventbus.EventBus
	Logger() *logrus.Logger
	Migrations() *MigrationRegistry

	RegisterServices(services ...any)
	RegisterControllers(controllers ...Controller)

	// Service returns the registered service with the given type, or nil.
	Service(t reflect.Type) any
}

type ApplicationOptions struct {
	Pool     *pgxpool.Pool
	EventBus eventbus.EventBus
	Logger   *logrus.Logger
	Router   *mux.Router
}

func New(opts *ApplicationOptions) Application {
	return &application{
		pool:       opts.Pool,
		eventBus:   opts.EventBus,
		logger:     opts.Logger,
		router:     opts.Router,
		services:   map[reflect.Type]any{},
		migrations: &MigrationRegistry{},
	}
}

type application struct {
	pool       *pgxpool.Pool
	eventBus   eventbus.EventBus
	logger     *logrus.Logger
	router     *mux.Router
	services   map[reflect.Type]any
	migrations *MigrationRegistry
}

func (a *application) Pool() *pgxpool.Pool               { return a.pool }
func (a *application) EventPublisher() eventbus.EventBus { return a.eventBus }
func (a *application) Logger() *logrus.Logger            { return a.logger }
func (a *application) Migrations() *MigrationRegistry    { return a.migrations }

func (a *application) RegisterServices(services ...any) {
	for _, s := range services {
		a.services[reflect.TypeOf(s)] = s
	}
}

func (a *application) RegisterControllers(controllers ...Controller) {
	for _, c := range controllers {
		c.Register(a.router)
	}
}

func (a *application) Service(t reflect.Type) any {
	return a.services[t]
}

// Use returns the registered service of type T, panicking when the module
// wiring forgot to register it. Startup-time use only.
func Use[T any](app Application) T {
	var zero T
	svc := app.Service(reflect.TypeOf(zero))
	if svc == nil {
		panic("application: service not registered: " + reflect.TypeOf(zero).String())
	}
	return svc.(T)
}

// MigrationRegistry collects embedded migration filesystems from modules so
// the server entrypoint can apply them in registration order. Each registered
// fs.FS is rooted at its migrations directory.
type MigrationRegistry struct {
	schemas []fs.FS
}

func (m *MigrationRegistry) RegisterSchema(fsys fs.FS) {
	m.schemas = append(m.schemas, fsys)
}

func (m *MigrationRegistry) Schemas() []fs.FS {
	return m.schemas
}
