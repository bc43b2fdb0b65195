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

	"github.com/skiff-cloud/skiff/pkg/gateway"
)

var (
	apiUrl    string
	authToken string
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type projectRow struct {
	ExternalID   string `json:"external_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	PreviewURL   string `json:"preview_url"`
	LastActiveAt string `json:"last_active_at"`
}

func main() {
	root := &cobra.Command{
		Use:           "skiff",
		Short:         "Administer skiff projects and sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiUrl, "api", envOr("SKIFF_API_URL", "http://localhost:1994"), "gateway base URL")
	root.PersistentFlags().StringVar(&authToken, "token", os.Getenv("SKIFF_API_TOKEN"), "bearer token")

	root.AddCommand(serveCmd(), projectsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := gateway.NewGateway()
			if err != nil {
				return err
			}
			return gw.Start()
		},
	}
}

func projectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Inspect and manage projects",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodGet, "/api/v1/projects", nil)
			if err != nil {
				return err
			}

			var projects []projectRow
			if len(data) > 0 {
				if err := json.Unmarshal(data, &projects); err != nil {
					return fmt.Errorf("failed to decode response: %w", err)
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPREVIEW\tLAST ACTIVE")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ExternalID, p.Name, p.Status, p.PreviewURL, p.LastActiveAt)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <project-id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodGet, "/api/v1/projects/"+args[0], nil)
			if err != nil {
				return err
			}
			return printJson(data)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <project-id>",
		Short: "Tear down a project's sandbox and soft-delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(http.MethodDelete, "/api/v1/projects/"+args[0], nil); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot <project-id>",
		Short: "Archive the project's working tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodPost, "/api/v1/projects/"+args[0]+"/snapshot", nil)
			if err != nil {
				return err
			}
			return printJson(data)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hibernate <project-id>",
		Short: "Snapshot the project and tear its sandbox down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(http.MethodPost, "/api/v1/projects/"+args[0]+"/hibernate", nil); err != nil {
				return err
			}
			fmt.Println("hibernated", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "conversation <project-id>",
		Short: "Show the project's chat history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodGet, "/api/v1/projects/"+args[0]+"/conversation", nil)
			if err != nil {
				return err
			}
			return printJson(data)
		},
	})

	return cmd
}

func call(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, apiUrl+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, raw)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("%s (%d)", parsed.Error, resp.StatusCode)
	}
	return parsed.Data, nil
}

func printJson(data json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
