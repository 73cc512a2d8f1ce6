package approval

import (
	"embed"
	"io/fs"
	"time"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/modules/approval/infrastructure/persistence"
	"github.com/iota-uz/approval-sdk/modules/approval/presentation/controllers"
	"github.com/iota-uz/approval-sdk/modules/approval/services"
	"github.com/iota-uz/approval-sdk/pkg/application"
)

//go:embed infrastructure/persistence/migrations/*.sql
var migrationFiles embed.FS

func NewModule() application.Module {
	return &Module{}
}

type Module struct{}

func (m *Module) Register(app application.Application) error {
	migrations, err := fs.Sub(migrationFiles, "infrastructure/persistence/migrations")
	if err != nil {
		return err
	}
	app.Migrations().RegisterSchema(migrations)

	assignmentRepo := persistence.NewAssignmentRepository()
	approverRepo := persistence.NewApproverRepository()
	levelRepo := persistence.NewApprovalLevelRepository()
	hierarchyRepo := persistence.NewHierarchyRepository()
	resolverRepo := persistence.NewResolverRepository()
	roleRepo := persistence.NewRoleGrantRepository()

	registry := approver.NewRegistry(
		approver.NewUserKind(persistence.NewUserDirectoryRepository()),
		approver.NewRelationshipKind(persistence.NewRelationshipDirectoryRepository(), time.Now),
	)

	approverService := services.NewApproverService(
		assignmentRepo,
		approverRepo,
		levelRepo,
		hierarchyRepo,
		resolverRepo,
		registry,
		roleRepo,
		app.EventPublisher(),
	)
	assignmentService := services.NewAssignmentService(
		assignmentRepo,
		approverRepo,
		levelRepo,
		approverService,
		app.EventPublisher(),
	)
	app.RegisterServices(approverService, assignmentService)

	app.RegisterControllers(
		controllers.NewApprovalAPIController(app),
	)
	return nil
}

func (m *Module) Name() string {
	return "approval"
}
