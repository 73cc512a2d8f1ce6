package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

type seedOptions struct {
	tenantID uuid.UUID
	inputDir string
}

// Seed loads the read-model tables the resolver depends on: hierarchy nodes,
// users and manager links. Approvers themselves go through the API so the
// inheritance cascade stays consistent.
func newSeedCmd() *cobra.Command {
	var opts seedOptions
	var tenant string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed hierarchy nodes and directory data from CSV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant UUID (required)")
	cmd.Flags().StringVar(&opts.inputDir, "input", "", "Input directory (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("input")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(strings.TrimSpace(tenant))
		if err != nil {
			return withCode(exitUsage, fmt.Errorf("invalid --tenant: %w", err))
		}
		opts.tenantID = id
		return nil
	}

	return cmd
}

func runSeed(ctx context.Context, opts seedOptions) error {
	pool, err := connectDB(ctx)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	nodes, err := seedNodes(ctx, tx, opts)
	if err != nil {
		return err
	}
	users, err := seedUsers(ctx, tx, opts)
	if err != nil {
		return err
	}
	managers, err := seedManagers(ctx, tx, opts)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return withCode(exitDB, err)
	}

	type seedSummary struct {
		Status   string `json:"status"`
		TenantID string `json:"tenant_id"`
		Nodes    int    `json:"nodes"`
		Users    int    `json:"users"`
		Managers int    `json:"managers"`
	}
	return writeJSONLine(seedSummary{
		Status:   "seeded",
		TenantID: opts.tenantID.String(),
		Nodes:    nodes,
		Users:    users,
		Managers: managers,
	})
}

// nodes.csv: id,target_type,path
func seedNodes(ctx context.Context, tx pgx.Tx, opts seedOptions) (int, error) {
	return eachCSVRecord(filepath.Join(opts.inputDir, "nodes.csv"), 3, func(rec []string) error {
		id, err := uuid.Parse(rec[0])
		if err != nil {
			return withCode(exitValidation, fmt.Errorf("nodes.csv: invalid id %q", rec[0]))
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO approval_hierarchy_nodes (id, tenant_id, target_type, path)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, target_type, id) DO UPDATE SET path = EXCLUDED.path`,
			id, opts.tenantID, rec[1], rec[2])
		if err != nil {
			return withCode(exitDB, fmt.Errorf("insert node %s: %w", id, err))
		}
		return nil
	})
}

// users.csv: id,full_name
func seedUsers(ctx context.Context, tx pgx.Tx, opts seedOptions) (int, error) {
	return eachCSVRecord(filepath.Join(opts.inputDir, "users.csv"), 2, func(rec []string) error {
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return withCode(exitValidation, fmt.Errorf("users.csv: invalid id %q", rec[0]))
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO approval_users (id, tenant_id, full_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, id) DO UPDATE SET full_name = EXCLUDED.full_name`,
			id, opts.tenantID, rec[1])
		if err != nil {
			return withCode(exitDB, fmt.Errorf("insert user %d: %w", id, err))
		}
		return nil
	})
}

// managers.csv: user_id,manager_user_id
func seedManagers(ctx context.Context, tx pgx.Tx, opts seedOptions) (int, error) {
	path := filepath.Join(opts.inputDir, "managers.csv")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	return eachCSVRecord(path, 2, func(rec []string) error {
		userID, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return withCode(exitValidation, fmt.Errorf("managers.csv: invalid user_id %q", rec[0]))
		}
		managerID, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return withCode(exitValidation, fmt.Errorf("managers.csv: invalid manager_user_id %q", rec[1]))
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO approval_job_assignments (tenant_id, user_id, manager_user_id, is_current)
			VALUES ($1, $2, $3, true)`,
			opts.tenantID, userID, managerID)
		if err != nil {
			return withCode(exitDB, fmt.Errorf("insert manager link %d->%d: %w", userID, managerID, err))
		}
		return nil
	})
}

func eachCSVRecord(path string, columns int, fn func(rec []string) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, withCode(exitUsage, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = columns

	// header
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, withCode(exitValidation, fmt.Errorf("%s: %w", filepath.Base(path), err))
	}

	count := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, withCode(exitValidation, fmt.Errorf("%s: %w", filepath.Base(path), err))
		}
		if err := fn(rec); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
