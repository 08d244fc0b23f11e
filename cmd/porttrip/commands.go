package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/porttrip/concierge/internal/config"
)

// --- quota ---

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the current usage quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/me")
		if err != nil {
			return err
		}

		var me struct {
			Plan  string `json:"plan"`
			Limit any    `json:"limit"`
			Used  int    `json:"used"`
			Month string `json:"month"`
		}
		if err := decodeJSON(resp, &me); err != nil {
			return err
		}

		printStatus("Plan", "%s", me.Plan)
		printStatus("Month", "%s", me.Month)
		printStatus("Used", "%d of %v", me.Used, me.Limit)
		return nil
	},
}

// --- ports ---

var portsCmd = &cobra.Command{
	Use:   "ports [query]",
	Short: "List known cruise ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/ports?q=%s&limit=%d", url.QueryEscape(strings.Join(args, " ")), limit)
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var ports []struct {
			Name   string `json:"name"`
			Region string `json:"region"`
		}
		if err := decodeJSON(resp, &ports); err != nil {
			return err
		}

		if len(ports) == 0 {
			fmt.Println("No ports found.")
			return nil
		}
		for _, p := range ports {
			fmt.Printf("%s  %s\n", colorize(colorBold, p.Name), p.Region)
		}
		return nil
	},
}

func init() {
	portsCmd.Flags().Int("limit", 50, "maximum number of ports to list")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the concierge a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/chat", map[string]any{
			"query": strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading answer: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		fmt.Println(string(body))
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
