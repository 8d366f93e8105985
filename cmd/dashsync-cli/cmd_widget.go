package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/persistorai/dashsync/client"
)

func newWidgetCmd() *cobra.Command {
	widgetCmd := &cobra.Command{Use: "widget", Short: "Manage widgets"}
	widgetCmd.AddCommand(
		newWidgetListCmd(),
		newWidgetGetCmd(),
		newWidgetCreateCmd(),
		newWidgetUpdateCmd(),
		newWidgetMoveCmd(),
		newWidgetDeleteCmd(),
	)

	return widgetCmd
}

func newWidgetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dashboard-id>",
		Short: "List the widgets of a dashboard",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			widgets, err := apiClient.Widgets.List(context.Background(), args[0])
			if err != nil {
				fatal("listing widgets", err)
			}

			switch flagFmt {
			case "table":
				rows := make([]widgetRow, len(widgets))
				for i := range widgets {
					rows[i] = rowFromClient(&widgets[i])
				}
				printWidgets(rows, time.Now())
			case "quiet":
				for i := range widgets {
					fmt.Println(widgets[i].ID)
				}
			default:
				formatJSON(widgets)
			}
		},
	}
}

func newWidgetGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <widget-id>",
		Short: "Show one widget",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			w, err := apiClient.Widgets.Get(context.Background(), args[0])
			if err != nil {
				fatal("getting widget", err)
			}
			if flagFmt == "table" {
				printWidgets([]widgetRow{rowFromClient(w)}, time.Now())
				return
			}
			output(w, w.ID)
		},
	}
}

func newWidgetCreateCmd() *cobra.Command {
	var typ, text string

	cmd := &cobra.Command{
		Use:   "create <dashboard-id>",
		Short: "Create a widget (server defaults fill empty fields)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := &client.CreateWidgetRequest{Type: typ}
			if cmd.Flags().Changed("text") {
				req.Content = map[string]any{"text": text}
			}

			w, err := apiClient.Widgets.Create(context.Background(), args[0], req)
			if err != nil {
				fatal("creating widget", err)
			}
			output(w, w.ID)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Widget type (default: text)")
	cmd.Flags().StringVar(&text, "text", "", "Initial text content")

	return cmd
}

func newWidgetUpdateCmd() *cobra.Command {
	var (
		text        string
		contentJSON string
		version     int64
	)

	cmd := &cobra.Command{
		Use:   "update <widget-id>",
		Short: "Replace widget content if the stored version matches --version",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			content, err := contentFromFlags(cmd, text, contentJSON)
			if err != nil {
				fatal("parsing content", err)
			}

			w, err := apiClient.Widgets.UpdateContent(context.Background(), args[0], content, version)
			if err != nil {
				if client.IsConflict(err) {
					fmt.Fprintln(os.Stderr, "Conflict! Refresh to see latest")
					os.Exit(2)
				}
				fatal("updating widget", err)
			}
			output(w, strconv.FormatInt(w.Version, 10))
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "New text content")
	cmd.Flags().StringVar(&contentJSON, "content", "", "New content as a JSON object")
	cmd.Flags().Int64Var(&version, "version", 0, "Expected current version")
	cmd.MarkFlagsMutuallyExclusive("text", "content")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func newWidgetMoveCmd() *cobra.Command {
	var (
		pos     client.Position
		version int64
	)

	cmd := &cobra.Command{
		Use:   "move <widget-id>",
		Short: "Move or resize a widget if the stored version matches --version",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			w, err := apiClient.Widgets.UpdatePosition(context.Background(), args[0], pos, version)
			if err != nil {
				fatal("moving widget", err)
			}
			output(w, strconv.FormatInt(w.Version, 10))
		},
	}
	cmd.Flags().IntVar(&pos.X, "x", 0, "Column")
	cmd.Flags().IntVar(&pos.Y, "y", 0, "Row")
	cmd.Flags().IntVar(&pos.W, "w", 4, "Width")
	cmd.Flags().IntVar(&pos.H, "h", 2, "Height")
	cmd.Flags().Int64Var(&version, "version", 0, "Expected current version")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func newWidgetDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <widget-id>",
		Short: "Delete a widget",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			deleted, err := apiClient.Widgets.Delete(context.Background(), args[0])
			if err != nil {
				fatal("deleting widget", err)
			}
			if len(deleted) == 0 {
				fmt.Fprintln(os.Stderr, "delete failed: widget not found")
				os.Exit(1)
			}
			output(deleted[0], deleted[0].ID)
		},
	}
}

// contentFromFlags builds the content map from --text or --content.
func contentFromFlags(cmd *cobra.Command, text, contentJSON string) (map[string]any, error) {
	switch {
	case cmd.Flags().Changed("content"):
		var content map[string]any
		if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
			return nil, fmt.Errorf("--content must be a JSON object: %w", err)
		}
		return content, nil
	case cmd.Flags().Changed("text"):
		return map[string]any{"text": text}, nil
	default:
		return nil, fmt.Errorf("one of --text or --content is required")
	}
}

func rowFromClient(w *client.Widget) widgetRow {
	text, _ := w.Content["text"].(string)
	return widgetRow{ID: w.ID, Type: w.Type, Text: text, Version: w.Version, UpdatedAt: w.UpdatedAt}
}
