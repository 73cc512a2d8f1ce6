package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

type exportOptions struct {
	tenantID  uuid.UUID
	outputDir string
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	var tenant string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export approval assignments and approvers into CSV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant UUID (required)")
	cmd.Flags().StringVar(&opts.outputDir, "output", "", "Output directory (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("output")

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

func runExport(ctx context.Context, opts exportOptions) error {
	if strings.TrimSpace(opts.outputDir) == "" {
		return withCode(exitUsage, fmt.Errorf("--output is required"))
	}

	pool, err := connectDB(ctx)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()

	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		return withCode(exitDB, err)
	}

	assignments, err := exportAssignments(ctx, pool, opts)
	if err != nil {
		return err
	}
	approvers, err := exportApprovers(ctx, pool, opts)
	if err != nil {
		return err
	}

	type exportSummary struct {
		Status      string `json:"status"`
		TenantID    string `json:"tenant_id"`
		Assignments int    `json:"assignments"`
		Approvers   int    `json:"approvers"`
	}
	return writeJSONLine(exportSummary{
		Status:      "exported",
		TenantID:    opts.tenantID.String(),
		Assignments: assignments,
		Approvers:   approvers,
	})
}

func exportAssignments(ctx context.Context, pool *pgxpool.Pool, opts exportOptions) (int, error) {
	rows, err := pool.Query(ctx, `
		SELECT id::text, container_id::text, target_type, COALESCE(target_id::text, ''), status, is_default::text, id_number
		FROM approval_assignments
		WHERE tenant_id = $1
		ORDER BY created_at, id`, opts.tenantID)
	if err != nil {
		return 0, withCode(exitDB, fmt.Errorf("query assignments: %w", err))
	}
	defer rows.Close()

	header := []string{"id", "container_id", "target_type", "target_id", "status", "is_default", "id_number"}
	return writeCSV(filepath.Join(opts.outputDir, "assignments.csv"), header, rows, 7)
}

func exportApprovers(ctx context.Context, pool *pgxpool.Pool, opts exportOptions) (int, error) {
	rows, err := pool.Query(ctx, `
		SELECT id::text, assignment_id::text, approval_level_id::text, kind::text, identifier::text,
			is_active::text, COALESCE(ancestor_id::text, '')
		FROM approval_approvers
		WHERE tenant_id = $1
		ORDER BY created_at, id`, opts.tenantID)
	if err != nil {
		return 0, withCode(exitDB, fmt.Errorf("query approvers: %w", err))
	}
	defer rows.Close()

	header := []string{"id", "assignment_id", "approval_level_id", "kind", "identifier", "is_active", "ancestor_id"}
	return writeCSV(filepath.Join(opts.outputDir, "approvers.csv"), header, rows, 7)
}

func writeCSV(path string, header []string, rows pgx.Rows, columns int) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, withCode(exitDB, err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return 0, withCode(exitDB, err)
	}

	count := 0
	record := make([]string, columns)
	fields := make([]any, columns)
	for i := range record {
		fields[i] = &record[i]
	}
	for rows.Next() {
		if err := rows.Scan(fields...); err != nil {
			return 0, withCode(exitDB, fmt.Errorf("scan %s: %w", filepath.Base(path), err))
		}
		if err := w.Write(record); err != nil {
			return 0, withCode(exitDB, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, withCode(exitDB, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, withCode(exitDB, err)
	}
	return count, nil
}
