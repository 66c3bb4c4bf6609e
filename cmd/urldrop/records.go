package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwygoda/urldrop/internal/domain"
)

const urlColumnWidth = 48

func newRecordsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"files"},
		Short:   "Inspect ingestion records",
	}
	cmd.AddCommand(newRecordsListCommand(ctx))
	cmd.AddCommand(newRecordsGetCommand(ctx))
	return cmd
}

func newRecordsListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.Status(status)
			if status != "" && !filter.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.FindAll(cmd.Context(), domain.NewestFirst)
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}
			if filter != "" {
				kept := records[:0]
				for _, r := range records {
					if r.Status == filter {
						kept = append(kept, r)
					}
				}
				records = kept
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No records")
				return nil
			}
			fmt.Fprintln(out, renderRecordList(records))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	cmd.Flags().StringVar(&status, "status", "", "Only show records with this status")
	return cmd
}

func newRecordsGetCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.FindByID(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrRecordNotFound) {
				return fmt.Errorf("record %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("get record: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, rec)
			}
			fmt.Fprintln(out, renderRecord(rec))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderRecordList(records []domain.Record) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ID,
			string(r.Status),
			truncate(r.SourceURL, urlColumnWidth),
			dash(r.FileName),
			r.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"ID", "Status", "Source URL", "File", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func renderRecord(r *domain.Record) string {
	rows := [][]string{
		{"ID", r.ID},
		{"Status", string(r.Status)},
		{"Source URL", r.SourceURL},
		{"File name", dash(r.FileName)},
		{"Content type", dash(r.ContentType)},
		{"Storage ID", dash(r.StorageID)},
		{"Storage link", dash(r.StorageLink)},
		{"Error", dash(r.ErrorDetail)},
		{"Created", r.CreatedAt.Local().Format(time.RFC3339)},
		{"Updated", r.UpdatedAt.Local().Format(time.RFC3339)},
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
