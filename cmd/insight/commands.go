package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soulo/insight/internal/config"
	"github.com/soulo/insight/internal/consolidate"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your journal",
	Long: `Ask a free-text question about your journal.

Examples:
  insight ask "How has my sleep been this month?"
  insight ask "When did I last write about the garden?"
  insight ask --owner alice "What usually helps when I feel anxious?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if owner == "" {
			owner = client.owner
		}

		resp, err := client.post(cmd.Context(), "/v1/query", map[string]any{
			"question": question,
			"owner_id": owner,
		})
		if err != nil {
			return err
		}

		var answer consolidate.Answer
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		fmt.Printf("%s\n\n", colorize(colorBold, answer.StatusSummary))
		fmt.Println(answer.AnswerText)
		if len(answer.SourceRecordRefs) > 0 {
			fmt.Printf("\n%s %s\n", colorize(colorCyan, "Sources:"), strings.Join(answer.SourceRecordRefs, ", "))
		}
		if answer.Degraded {
			printWarning("Answer is degraded; some retrieval steps fell back or failed.")
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("owner", "", "journal owner (default: configured owner)")
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a journal entry",
	Long: `Add a journal entry from text or a file.

Examples:
  insight add --text "Slept badly, but the morning run helped."
  insight add --file ./journal-2026-08.pdf
  insight add --file ./week.md --title "Week in review" --date 2026-08-10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		date, _ := cmd.Flags().GetString("date")
		owner, _ := cmd.Flags().GetString("owner")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if owner == "" {
			owner = client.owner
		}

		req := map[string]any{
			"owner_id": owner,
			"source":   "cli",
		}
		if title != "" {
			req["title"] = title
		}
		if date != "" {
			parsed, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid --date (want YYYY-MM-DD): %w", err)
			}
			req["entry_date"] = parsed.UTC().Format(time.RFC3339)
		}

		switch {
		case text != "":
			req["content"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["data"] = base64.StdEncoding.EncodeToString(data)
			req["filename"] = filepath.Base(file)
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		}

		resp, err := client.post(cmd.Context(), "/v1/entries", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued entry %s", result["id"])
		return nil
	},
}

func init() {
	addCmd.Flags().String("text", "", "entry text")
	addCmd.Flags().String("file", "", "file to ingest (text, markdown, HTML, or PDF)")
	addCmd.Flags().String("title", "", "title for the entry")
	addCmd.Flags().String("date", "", "entry date as YYYY-MM-DD")
	addCmd.Flags().String("owner", "", "journal owner (default: configured owner)")
}

// --- entries ---

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Manage journal entries",
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if owner == "" {
			owner = client.owner
		}

		path := fmt.Sprintf("/v1/entries?owner_id=%s&limit=%d", owner, limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var entries []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Content   string `json:"content"`
			EntryDate string `json:"entry_date"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No entries found.")
			return nil
		}

		for _, e := range entries {
			label := e.Title
			if label == "" {
				label = e.Content
			}
			if len(label) > 80 {
				label = label[:80] + "..."
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, e.ID[:8]),
				e.EntryDate,
				label,
			)
		}
		return nil
	},
}

var entriesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if owner == "" {
			owner = client.owner
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/entries/%s?owner_id=%s", args[0], owner))
		if err != nil {
			return err
		}

		var entry any
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	},
}

var entriesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entry and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if owner == "" {
			owner = client.owner
		}

		resp, err := client.delete(cmd.Context(), fmt.Sprintf("/v1/entries/%s?owner_id=%s", args[0], owner))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

func init() {
	entriesListCmd.Flags().Int("limit", 20, "maximum number of entries to list")
	for _, c := range []*cobra.Command{entriesListCmd, entriesShowCmd, entriesDeleteCmd} {
		c.Flags().String("owner", "", "journal owner (default: configured owner)")
	}
	entriesCmd.AddCommand(entriesListCmd)
	entriesCmd.AddCommand(entriesShowCmd)
	entriesCmd.AddCommand(entriesDeleteCmd)
}

// --- log ---

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent query analytics",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if owner == "" {
			owner = client.owner
		}

		path := fmt.Sprintf("/v1/query-log?owner_id=%s&limit=%d", owner, limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var logs []struct {
			ID         string `json:"id"`
			Complexity string `json:"complexity"`
			Strategy   string `json:"strategy"`
			Degraded   bool   `json:"degraded"`
			DurationMs int64  `json:"duration_ms"`
			CreatedAt  string `json:"created_at"`
		}
		if err := decodeJSON(resp, &logs); err != nil {
			return err
		}

		if len(logs) == 0 {
			fmt.Println("No queries logged.")
			return nil
		}

		for _, l := range logs {
			mark := " "
			if l.Degraded {
				mark = colorize(colorYellow, "!")
			}
			fmt.Printf("%s %s  %-9s  %-10s  %5dms\n",
				mark,
				l.CreatedAt,
				l.Complexity,
				l.Strategy,
				l.DurationMs,
			)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().Int("limit", 20, "maximum number of log records")
	logCmd.Flags().String("owner", "", "journal owner (default: configured owner)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
