package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/infrasutra/smtprepeat/internal/pagination"
	"github.com/infrasutra/smtprepeat/internal/store"
)

func newInboxCmd() *cobra.Command {
	var (
		dbPath string
		page   int
		limit  int
		purge  bool
		show   string
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List or show messages captured by serve --db",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(dbPath) == "" {
				return fmt.Errorf("--db is required")
			}
			ctx := cmd.Context()
			db, err := store.Open(ctx, dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}

			out := cmd.OutOrStdout()
			if purge {
				removed, err := db.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d message(s)\n", removed)
				return nil
			}
			if show != "" {
				return showMessage(ctx, db, show, out)
			}

			params := pagination.New(page, limit)
			messages, total, err := db.ListMessages(ctx, params.Offset, params.Limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tFROM\tTO\tSUBJECT\tMESSAGE-ID")
			for _, m := range messages {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					m.CreatedAt.Format("2006-01-02 15:04:05"),
					m.From,
					strings.Join(m.RecipientGroups["to"], ","),
					m.Subject,
					m.MessageID,
				)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "page %d, %d of %d message(s)", params.Page, len(messages), total)
			if params.HasNext(total) {
				fmt.Fprintf(out, ", next: --page %d", params.Page+1)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file written by serve")
	cmd.Flags().IntVar(&page, "page", int(pagination.DefaultPage), "page number")
	cmd.Flags().IntVar(&limit, "limit", int(pagination.DefaultLimit), "messages per page")
	cmd.Flags().BoolVar(&purge, "purge", false, "delete all captured messages")
	cmd.Flags().StringVar(&show, "show", "", "print the captured message with this ID")
	cmd.MarkFlagsMutuallyExclusive("purge", "show")
	return cmd
}

func showMessage(ctx context.Context, db *store.Store, id string, out io.Writer) error {
	m, recipients, err := db.GetMessage(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no captured message %q", id)
	}
	if err != nil {
		return err
	}

	groups := map[string][]string{}
	for _, r := range recipients {
		groups[r.Type] = append(groups[r.Type], r.Email)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", m.ID)
	fmt.Fprintf(tw, "Received:\t%s\n", m.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(tw, "From:\t%s\n", m.From)
	for _, kind := range []string{"to", "cc", "bcc"} {
		if len(groups[kind]) > 0 {
			fmt.Fprintf(tw, "%s:\t%s\n", strings.ToUpper(kind[:1])+kind[1:], strings.Join(groups[kind], ", "))
		}
	}
	fmt.Fprintf(tw, "Subject:\t%s\n", m.Subject)
	fmt.Fprintf(tw, "Message-ID:\t%s\n", m.MessageID)
	fmt.Fprintf(tw, "Size:\t%d bytes\n", m.RawSize)
	if err := tw.Flush(); err != nil {
		return err
	}

	keys := make([]string, 0, len(m.Headers))
	for key := range m.Headers {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	fmt.Fprintln(out)
	for _, key := range keys {
		fmt.Fprintf(out, "%s: %s\n", key, m.Headers[key])
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, m.TextBody)
	return nil
}
