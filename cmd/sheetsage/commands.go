package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sheetsage/sheetsage/internal/config"
)

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage analysis sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new analysis session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session created")
		fmt.Println(result["session_id"])
		return nil
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session and discard its tables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session %s closed", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
}

// --- upload ---

type tableInfo struct {
	File   string     `json:"file"`
	Sheet  string     `json:"sheet"`
	Rows   int        `json:"rows"`
	Cols   []string   `json:"cols"`
	Types  []string   `json:"types"`
	Sample [][]string `json:"sample"`
}

type tablesResult struct {
	Tables      map[string]tableInfo `json:"tables"`
	Fingerprint string               `json:"fingerprint"`
}

var uploadCmd = &cobra.Command{
	Use:   "upload <session-id> <file>...",
	Short: "Upload spreadsheets into a session",
	Long: `Upload spreadsheets into a session.

Each sheet of each workbook becomes a queryable table. Supported formats:
.xlsx, .xlsm.

Examples:
  sheetsage upload 4f1c... ./sales.xlsx
  sheetsage upload 4f1c... ./q1.xlsx ./q2.xlsx`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var result tablesResult
		for _, path := range args[1:] {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}

			printStep("Uploading %s...", path)
			resp, err := client.postFile(cmd.Context(), "/sessions/"+sessionID+"/files", path, data)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
		}

		printSuccess("Session has %d table(s)", len(result.Tables))
		printTables(result)
		return nil
	},
}

// --- tables ---

var tablesCmd = &cobra.Command{
	Use:   "tables <session-id>",
	Short: "List the tables loaded in a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/tables")
		if err != nil {
			return err
		}

		var result tablesResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Tables) == 0 {
			fmt.Println("No tables loaded. Use `sheetsage upload` first.")
			return nil
		}
		printTables(result)
		return nil
	},
}

func printTables(result tablesResult) {
	for name, tbl := range result.Tables {
		fmt.Printf("%s  (%s / %s, %d rows)\n",
			colorize(colorBold, name), tbl.File, tbl.Sheet, tbl.Rows)
		for i, col := range tbl.Cols {
			typ := ""
			if i < len(tbl.Types) {
				typ = tbl.Types[i]
			}
			fmt.Printf("  %-24s %s\n", col, typ)
		}
	}
	fmt.Printf("catalog fingerprint: %s\n", result.Fingerprint)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <session-id> <question>...",
	Short: "Ask a natural-language question about the loaded tables",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+args[0]+"/ask", map[string]any{
			"question": question,
		})
		if err != nil {
			return err
		}

		var answer struct {
			RecordID    int64    `json:"record_id"`
			SQL         string   `json:"sql"`
			Explanation string   `json:"explanation"`
			Columns     []string `json:"columns"`
			Rows        [][]any  `json:"rows"`
			Warning     string   `json:"warning"`
			Error       string   `json:"error"`
		}
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		fmt.Printf("%s %s\n", colorize(colorBold, "SQL:"), answer.SQL)
		if answer.Explanation != "" {
			fmt.Printf("%s %s\n", colorize(colorBold, "Explanation:"), answer.Explanation)
		}

		if answer.Error != "" {
			printWarning("query failed: %s", answer.Error)
		} else {
			fmt.Println()
			printRows(answer.Columns, answer.Rows)
		}
		if answer.Warning != "" {
			printWarning("%s", answer.Warning)
		}

		if answer.RecordID != 0 {
			fmt.Printf("\nrecord %d — rate it with `sheetsage feedback %d --good` or `--bad`\n",
				answer.RecordID, answer.RecordID)
		}
		return nil
	},
}

func printRows(columns []string, rows [][]any) {
	fmt.Println(colorize(colorCyan, strings.Join(columns, "\t")))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = ""
				continue
			}
			cells[i] = fmt.Sprintf("%v", v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	fmt.Printf("(%d row(s))\n", len(rows))
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <record-id>",
	Short: "Rate or correct a previous answer",
	Long: `Rate or correct a previous answer.

Examples:
  sheetsage feedback 42 --good
  sheetsage feedback 42 --bad --text "wrong month"
  sheetsage feedback 42 --good --corrected-sql "SELECT region, SUM(total) FROM sales_Orders GROUP BY region"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		good, _ := cmd.Flags().GetBool("good")
		bad, _ := cmd.Flags().GetBool("bad")
		text, _ := cmd.Flags().GetString("text")
		corrected, _ := cmd.Flags().GetString("corrected-sql")

		if good && bad {
			return fmt.Errorf("--good and --bad are mutually exclusive")
		}
		if !good && !bad && text == "" && corrected == "" {
			return fmt.Errorf("nothing to submit: use --good, --bad, --text, or --corrected-sql")
		}

		body := map[string]any{}
		if good {
			body["rating"] = 1
		}
		if bad {
			body["rating"] = -1
		}
		if text != "" {
			body["feedback_text"] = text
		}
		if corrected != "" {
			body["corrected_sql"] = corrected
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/feedback/"+args[0], body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Feedback saved for record %s", args[0])
		return nil
	},
}

func init() {
	feedbackCmd.Flags().Bool("good", false, "mark the answer as correct")
	feedbackCmd.Flags().Bool("bad", false, "mark the answer as wrong")
	feedbackCmd.Flags().String("text", "", "free-form feedback text")
	feedbackCmd.Flags().String("corrected-sql", "", "corrected SELECT statement")
}

// --- examples ---

var examplesCmd = &cobra.Command{
	Use:   "examples <session-id>",
	Short: "Show the few-shot examples the planner would receive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/examples")
		if err != nil {
			return err
		}

		var examples []struct {
			Question string `json:"q"`
			SQL      string `json:"sql"`
		}
		if err := decodeJSON(resp, &examples); err != nil {
			return err
		}

		if len(examples) == 0 {
			fmt.Println("No examples yet. Rate answers with `sheetsage feedback`.")
			return nil
		}

		for i, ex := range examples {
			fmt.Printf("\n%s\n", colorize(colorBold, fmt.Sprintf("Example %d", i+1)))
			fmt.Printf("  Q:   %s\n", ex.Question)
			fmt.Printf("  SQL: %s\n", ex.SQL)
		}
		return nil
	},
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
			return fmt.Errorf("%w\nvalid keys:\n  %s", err, strings.Join(config.ValidKeys(), "\n  "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
