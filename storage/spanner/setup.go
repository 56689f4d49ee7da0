package spanner

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instance "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"github.com/bitleak/eq/config"
)

func databaseName(cfg *config.StorageConf) string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s", cfg.Project, cfg.Instance, cfg.Database)
}

func clientOptions(cfg *config.StorageConf) []option.ClientOption {
	if cfg.CredentialsFile != "" {
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
	}
	return nil
}

func createClient(ctx context.Context, cfg *config.StorageConf) (*spanner.Client, error) {
	return spanner.NewClient(ctx, databaseName(cfg), clientOptions(cfg)...)
}

func tableDDLs(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	id STRING(32) NOT NULL,
	created_at INT64 NOT NULL,
	started_working_at INT64,
	payload BYTES(MAX),
) PRIMARY KEY (id)`, table),
		fmt.Sprintf("CREATE INDEX %s_by_started_working_at ON %s (started_working_at)", table, table),
	}
}

// ensureTable creates the job table unless the database schema already has it
func ensureTable(ctx context.Context, cfg *config.StorageConf, table string) error {
	adminClient, err := database.NewDatabaseAdminClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return err
	}
	defer adminClient.Close()

	ddl, err := adminClient.GetDatabaseDdl(ctx, &databasepb.GetDatabaseDdlRequest{Database: databaseName(cfg)})
	if err != nil {
		return fmt.Errorf("get database ddl: %w", err)
	}
	prefix := strings.ToUpper("CREATE TABLE " + table + " ")
	for _, stmt := range ddl.GetStatements() {
		if strings.HasPrefix(strings.ToUpper(stmt), prefix) {
			return nil
		}
	}
	op, err := adminClient.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   databaseName(cfg),
		Statements: tableDDLs(table),
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

// CreateInstance creates the instance of the config if it doesn't exist, it's
// meant for the emulator
func CreateInstance(ctx context.Context, cfg *config.StorageConf) error {
	instanceAdminClient, err := instance.NewInstanceAdminClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return err
	}
	defer instanceAdminClient.Close()

	instanceName := fmt.Sprintf("projects/%s/instances/%s", cfg.Project, cfg.Instance)
	_, err = instanceAdminClient.GetInstance(ctx, &instancepb.GetInstanceRequest{Name: instanceName})
	if err == nil {
		return nil
	}
	if spanner.ErrCode(err) != codes.NotFound {
		return err
	}
	op, err := instanceAdminClient.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     "projects/" + cfg.Project,
		InstanceId: cfg.Instance,
		Instance: &instancepb.Instance{
			Config:      fmt.Sprintf("projects/%s/instanceConfigs/emulator-config", cfg.Project),
			DisplayName: cfg.Instance,
			NodeCount:   1,
		},
	})
	if err != nil {
		return err
	}
	_, err = op.Wait(ctx)
	return err
}

// CreateDatabase creates the database of the config if it doesn't exist
func CreateDatabase(ctx context.Context, cfg *config.StorageConf) error {
	adminClient, err := database.NewDatabaseAdminClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return err
	}
	defer adminClient.Close()

	_, err = adminClient.GetDatabase(ctx, &databasepb.GetDatabaseRequest{Name: databaseName(cfg)})
	if err == nil {
		return nil
	}
	if spanner.ErrCode(err) != codes.NotFound {
		return err
	}
	op, err := adminClient.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
		Parent:          fmt.Sprintf("projects/%s/instances/%s", cfg.Project, cfg.Instance),
		CreateStatement: "CREATE DATABASE `" + cfg.Database + "`",
	})
	if err != nil {
		return err
	}
	_, err = op.Wait(ctx)
	return err
}
