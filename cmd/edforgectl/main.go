package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	serverURL string
	authToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edforgectl",
		Short: "EdForge CLI - interact with an EdForge generation server",
		Long: `edforgectl is a command-line interface for the EdForge content
generation server. All output is structured JSON (pipe through jq for
human-readable formatting).`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "EdForge server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("EDFORGE_TOKEN"), "Bearer token")

	rootCmd.AddCommand(newGenerateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("EDFORGE_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, data interface{}) ([]byte, error) {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// --- Commands ---

func newGenerateCommand() *cobra.Command {
	var (
		subject     string
		topic       string
		modalities  []string
		learnerID   string
		gradeLevel  int
		maxRetries  int
		required    []string
		partial     bool
		accessFlags []string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Submit a content generation request",
		Example: `  edforgectl generate --subject=math --topic="fractions" -m narrative -m visual_spec
  edforgectl generate --subject=science --topic="photosynthesis" -m narrative --grade=4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			body := map[string]interface{}{
				"subject":    subject,
				"topic":      topic,
				"modalities": modalities,
				"learner_id": learnerID,
				"constraints": map[string]interface{}{
					"grade_level":         gradeLevel,
					"max_retries":         maxRetries,
					"required_modalities": required,
					"allow_partial":       partial,
					"accessibility_flags": accessFlags,
				},
			}
			data, err := client.do("POST", "/api/v1/generations", body)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject area (required)")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic (required)")
	cmd.Flags().StringArrayVarP(&modalities, "modality", "m", []string{"narrative"}, "Modalities to generate")
	cmd.Flags().StringVar(&learnerID, "learner", "", "Learner ID for personalization")
	cmd.Flags().IntVar(&gradeLevel, "grade", 0, "Target grade level")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Remediation retry budget (0 = server default)")
	cmd.Flags().StringArrayVar(&required, "require", nil, "Modalities that must be present")
	cmd.Flags().BoolVar(&partial, "allow-partial", false, "Accept a partial modality set")
	cmd.Flags().StringArrayVar(&accessFlags, "accessibility", nil, "Accessibility flags (alt_text, captions, plain_language)")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.do("GET", "/api/v1/generations/"+args[0], nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an in-flight execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.do("DELETE", "/api/v1/generations/"+args[0], nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.do("GET", "/api/v1/generations", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Validate content fragments without generating",
		Example: `  edforgectl validate --file=candidate.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			var body interface{}
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("%s is not valid JSON: %w", file, err)
			}
			client := newClient()
			data, err := client.do("POST", "/api/v1/validate", body)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with fragments, intent, constraints (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var fromSeq uint64
	cmd := &cobra.Command{
		Use:     "watch <execution-id>",
		Short:   "Stream progress events over WebSocket",
		Args:    cobra.ExactArgs(1),
		Example: `  edforgectl watch 4f1c... --from-seq=3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := toWebSocketURL(serverURL, args[0], fromSeq)
			if err != nil {
				return err
			}
			header := http.Header{}
			if authToken != "" {
				header.Set("Authorization", "Bearer "+authToken)
			}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer conn.Close()

			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				outputJSON(message)
			}
		},
	}
	cmd.Flags().Uint64Var(&fromSeq, "from-seq", 0, "Replay events from this sequence number")
	return cmd
}

func toWebSocketURL(base, execID string, fromSeq uint64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/api/v1/executions/%s/events", execID)
	if fromSeq > 0 {
		u.RawQuery = fmt.Sprintf("from_seq=%d", fromSeq)
	}
	return u.String(), nil
}
