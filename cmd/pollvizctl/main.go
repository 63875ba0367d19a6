package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pollviz/pollviz/internal/lattice"
)

func main() {
	var baseURL string

	root := &cobra.Command{
		Use:   "pollvizctl",
		Short: "admin client for a streaming visualization server",
	}
	root.PersistentFlags().StringVar(&baseURL, "server", "http://localhost:8080", "pollvizd admin HTTP base URL")

	root.AddCommand(
		createCmd(&baseURL),
		listCmd(&baseURL),
		statusCmd(&baseURL),
		deleteCmd(&baseURL),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type sessionView struct {
	ID            string                `json:"id"`
	Slug          string                `json:"slug"`
	Description   string                `json:"description"`
	SessionConfig lattice.SessionConfig `json:"sessionConfig"`
	IsOpen        bool                  `json:"isOpen"`
	CreatedAt     string                `json:"createdAt"`
}

func createCmd(baseURL *string) *cobra.Command {
	var file string
	var description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a session from a session config file (JSON or YAML)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			// YAML is a superset of JSON: decode either into generic values,
			// then re-encode as JSON so the config's json field names apply.
			var doc any
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse session config: %w", err)
			}
			asJSON, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("parse session config: %w", err)
			}
			var cfg lattice.SessionConfig
			if err := json.Unmarshal(asJSON, &cfg); err != nil {
				return fmt.Errorf("parse session config: %w", err)
			}

			body, err := json.Marshal(map[string]any{
				"description":   description,
				"sessionConfig": cfg,
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(*baseURL+"/sessions", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("create session: %s: %s", resp.Status, readBody(resp.Body))
			}

			var created sessionView
			if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Printf("created session %s (slug %s)\n", created.ID, created.Slug)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "session config file (JSON or YAML)")
	cmd.Flags().StringVar(&description, "description", "", "human-readable session description")
	return cmd
}

func listCmd(baseURL *string) *cobra.Command {
	var openOnly bool
	var closedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := *baseURL + "/sessions"
			switch {
			case openOnly:
				url += "?isOpen=true"
			case closedOnly:
				url += "?isOpen=false"
			}

			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			defer resp.Body.Close()

			var sessions []sessionView
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSLUG\tOPEN\tDESCRIPTION\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", s.ID, s.Slug, s.IsOpen, s.Description, s.CreatedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&openOnly, "open", false, "only show open sessions")
	cmd.Flags().BoolVar(&closedOnly, "closed", false, "only show closed sessions")
	return cmd
}

func statusCmd(baseURL *string) *cobra.Command {
	var open bool

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "open or close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]bool{"isOpen": open})
			req, err := http.NewRequest(http.MethodPut, *baseURL+"/sessions/"+args[0]+"/status", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("set status: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("set status: %s: %s", resp.Status, readBody(resp.Body))
			}
			fmt.Printf("session %s: isOpen=%v\n", args[0], open)
			return nil
		},
	}
	cmd.Flags().BoolVar(&open, "open", true, "desired open status")
	return cmd
}

func deleteCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "delete a session and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, *baseURL+"/sessions/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("delete session: %s: %s", resp.Status, readBody(resp.Body))
			}
			fmt.Printf("deleted session %s\n", args[0])
			return nil
		},
	}
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(r)
	return string(b)
}
