// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/DELTA-RISE/sis-davus-sub000/entity"
	"github.com/DELTA-RISE/sis-davus-sub000/inventory"
)

func collection(app *App, kind string) (inventory.Collection, error) {
	col, ok := app.Catalog.Collection(entity.Kind(kind))
	if !ok {
		return nil, wrapExitError(ExitCommandError, fmt.Sprintf("unknown kind %q (see \"invsync kinds\")", kind), nil)
	}
	return col, nil
}

func newKindsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List entity kinds with their tables and default order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tTABLE\tORDER")
				for _, col := range app.Catalog.Collections() {
					spec := col.Spec()
					dir := "asc"
					if !spec.Ascending {
						dir = "desc"
					}
					fmt.Fprintf(w, "%s\t%s\t%s %s\n", spec.Kind, spec.Table, spec.OrderField, dir)
				}
				return w.Flush()
			})
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var list inventory.ListOptions
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List records of a kind, falling back to the local mirror when the server is unreachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				col, err := collection(app, args[0])
				if err != nil {
					return err
				}
				rows, err := col.ListJSON(app.Context(cmd.Context()), list)
				if err != nil {
					return wrapExitError(ExitFailure, "failed to list "+args[0], err)
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().StringVar(&list.Field, "order", "", "field to order by (default: the kind's default order)")
	cmd.Flags().BoolVar(&list.Descending, "desc", false, "order descending")
	cmd.Flags().BoolVar(&list.ForceRefresh, "refresh", false, "ignore client.read_freshness and fetch from the server")
	return cmd
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Fetch one record from the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				col, err := collection(app, args[0])
				if err != nil {
					return err
				}
				row, ok, err := col.GetJSON(app.Context(cmd.Context()), args[1])
				if err != nil {
					return wrapExitError(ExitFailure, "failed to get "+args[0], err)
				}
				if !ok {
					return wrapExitError(ExitFailure, fmt.Sprintf("%s %s not found or server unreachable", args[0], args[1]), nil)
				}
				return writeJSON(cmd.OutOrStdout(), row)
			})
		},
	}
}

type saveOutput struct {
	Record json.RawMessage `json:"record"`
	inventory.WriteStatus
}

func newSaveCommand(opts *RootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "save <kind> <json>",
		Short: "Create or replace a record; offline the write is queued",
		Long: `Save writes the record to the local mirror first, then to the server.
A record without an id gets a new one. Use "-" to read the record from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := []byte(args[1])
			if args[1] == "-" {
				var raw json.RawMessage
				if err := json.NewDecoder(cmd.InOrStdin()).Decode(&raw); err != nil {
					return wrapExitError(ExitCommandError, "failed to read record from stdin", err)
				}
				doc = raw
			}
			if !json.Valid(doc) {
				return wrapExitError(ExitCommandError, "record must be a JSON object", nil)
			}
			return opts.withApp(cmd.Context(), func(app *App) error {
				col, err := collection(app, args[0])
				if err != nil {
					return err
				}
				who := actor
				if who == "" {
					who = app.Config.Client.UserID
				}
				stored, status, err := col.SaveJSON(app.Context(cmd.Context()), doc, who)
				if err != nil {
					return wrapExitError(ExitCommandError, "failed to save "+args[0], err)
				}
				return writeJSON(cmd.OutOrStdout(), saveOutput{Record: stored, WriteStatus: status})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "user the write is attributed to (default: client.user_id)")
	return cmd
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete a record; offline the delete is queued",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				col, err := collection(app, args[0])
				if err != nil {
					return err
				}
				who := actor
				if who == "" {
					who = app.Config.Client.UserID
				}
				if !col.Delete(app.Context(cmd.Context()), args[1], who) {
					return wrapExitError(ExitFailure, "failed to delete "+args[1], nil)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %s\n", args[0], args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "user the delete is attributed to (default: client.user_id)")
	return cmd
}

func newQueueCommand(opts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show pending, failed and parked sync queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				entries, err := app.Layer.Queue().List(cmd.Context())
				if err != nil {
					return wrapExitError(ExitCommandError, "failed to read sync queue", err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tTABLE\tACTION\tSTATUS\tATTEMPTS\tLAST ERROR")
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", e.Seq, e.Table, e.Action, e.Status, e.Attempts, oneLine(e.LastError))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var showMetrics bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued writes against the server in order",
		Long: `Sync replays every queued write once, oldest first. Entries that fail stay
queued for the next run. Exits 1 when entries are left in the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				if !app.Oracle.Online() {
					return wrapExitError(ExitCommandError, "cannot sync while offline", nil)
				}
				tally, err := app.Processor.Drain(cmd.Context())
				if err != nil {
					return wrapExitError(ExitCommandError, "failed to drain sync queue", err)
				}
				app.Flush()
				status, err := app.Board.Snapshot(cmd.Context())
				if err != nil {
					return wrapExitError(ExitCommandError, "failed to read sync status", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, failed %d, parked %d, remaining %d\n",
					tally.Attempted, tally.Succeeded, tally.Failed, tally.Parked, status.QueueLength)
				if showMetrics {
					if err := writeMetrics(cmd.OutOrStdout(), app.Registry); err != nil {
						return wrapExitError(ExitCommandError, "failed to gather metrics", err)
					}
				}
				if status.QueueLength > 0 {
					return wrapExitError(ExitFailure, strconv.Itoa(status.QueueLength)+" entries left in the sync queue", nil)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print the client metrics collected during the run")
	return cmd
}

func newRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <seq>",
		Short: "Move a parked or failed queue entry back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return wrapExitError(ExitCommandError, "seq must be an integer", err)
			}
			return opts.withApp(cmd.Context(), func(app *App) error {
				if err := app.Processor.Requeue(cmd.Context(), seq); err != nil {
					return wrapExitError(ExitFailure, "failed to requeue", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", seq)
				return nil
			})
		},
	}
}

// writeMetrics prints one "name{labels} value" line per series. Histograms
// report their sample count.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				name += "_count"
				value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(w, "%s %s\n", name, strconv.FormatFloat(value, 'g', -1, 64))
		}
	}
	return nil
}

// oneLine flattens s and cuts it to 60 runes
func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return s
}
