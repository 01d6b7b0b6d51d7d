package energyqactl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
)

const defaultWindow = 6

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReply struct {
	TurnID   string `json:"turn_id"`
	Reply    string `json:"reply"`
	SQL      string `json:"sql"`
	Terminal string `json:"terminal"`
	Router   *struct {
		Type      string `json:"type"`
		Rationale string `json:"rationale"`
	} `json:"router"`
}

type errorReply struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Context   struct {
		Reply string `json:"reply"`
	} `json:"context"`
}

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("energyqactl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "energyqa API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	showSQL := fs.Bool("show-sql", false, "print the generated SQL for database answers")
	rawJSON := fs.Bool("json", false, "print the full JSON response of ask")
	window := fs.Int("window", defaultWindow, "recent messages sent as history in chat mode")
	noColor := fs.Bool("no-color", false, "disable colored chat output")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	httpClient := defaults.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: *timeout}
	}
	c := client{http: httpClient, baseURL: strings.TrimRight(*baseURL, "/"), apiKey: strings.TrimSpace(*apiKey)}

	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "health":
		return c.printJSON(ctx, stdout, stderr, http.MethodGet, "/v1/health", nil)
	case "ready":
		return c.printJSON(ctx, stdout, stderr, http.MethodGet, "/v1/ready", nil)
	case "schema":
		return c.printSchema(ctx, stdout, stderr)
	case "search":
		query := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if query == "" {
			_, _ = fmt.Fprintln(stderr, "search requires a query")
			return 2
		}
		return c.printJSON(ctx, stdout, stderr, http.MethodPost, "/v1/grounding/search", map[string]any{"query": query})
	case "ask":
		question := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			return 2
		}
		if *rawJSON {
			return c.printJSON(ctx, stdout, stderr, http.MethodPost, "/v1/chat", map[string]any{"message": question})
		}
		reply, err := c.chat(ctx, question, nil)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, reply.Reply)
		if *showSQL && reply.SQL != "" {
			_, _ = fmt.Fprintf(stdout, "\nSQL:\n%s\n", reply.SQL)
		}
		return 0
	case "chat":
		in := defaults.Stdin
		if in == nil {
			in = strings.NewReader("")
		}
		return c.repl(ctx, in, stdout, stderr, *window, *showSQL, *noColor)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

// repl keeps only the newest window messages as history, like a short-memory chat window.
func (c client) repl(ctx context.Context, in io.Reader, stdout, stderr io.Writer, window int, showSQL, noColor bool) int {
	if window < 0 {
		window = 0
	}
	you := color.New(color.FgGreen, color.Bold)
	bot := color.New(color.FgCyan)
	sqlColor := color.New(color.Faint)
	if noColor {
		you.DisableColor()
		bot.DisableColor()
		sqlColor.DisableColor()
	}

	var history []message
	scanner := bufio.NewScanner(in)
	for {
		_, _ = you.Fprint(stdout, "You: ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(stdout)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		reply, err := c.chat(ctx, line, history)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			if ctx.Err() != nil {
				return 1
			}
			continue
		}
		_, _ = bot.Fprintf(stdout, "Bot: %s\n", reply.Reply)
		if showSQL && reply.SQL != "" {
			_, _ = sqlColor.Fprintf(stdout, "SQL: %s\n", reply.SQL)
		}

		history = append(history, message{Role: "user", Content: line}, message{Role: "assistant", Content: reply.Reply})
		if len(history) > window {
			history = append([]message(nil), history[len(history)-window:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "read input: %v\n", err)
		return 1
	}
	return 0
}

func (c client) chat(ctx context.Context, question string, history []message) (chatReply, error) {
	payload := map[string]any{"message": question}
	if len(history) > 0 {
		payload["history"] = history
	}
	code, body, err := c.do(ctx, http.MethodPost, "/v1/chat", payload)
	if err != nil {
		return chatReply{}, fmt.Errorf("request failed: %w", err)
	}
	if code >= 400 {
		var failure errorReply
		if json.Unmarshal(body, &failure) == nil && failure.ErrorCode != "" {
			if failure.Context.Reply != "" {
				return chatReply{}, fmt.Errorf("%s (%s): %s", failure.Context.Reply, failure.ErrorCode, failure.Message)
			}
			return chatReply{}, fmt.Errorf("http %d %s: %s", code, failure.ErrorCode, failure.Message)
		}
		return chatReply{}, fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))
	}
	var reply chatReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return chatReply{}, fmt.Errorf("decode chat response: %w", err)
	}
	return reply, nil
}

func (c client) printSchema(ctx context.Context, stdout, stderr io.Writer) int {
	code, body, err := c.do(ctx, http.MethodGet, "/v1/schema", nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}
	var payload struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode schema response: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, payload.Schema)
	return 0
}

func (c client) printJSON(ctx context.Context, stdout, stderr io.Writer, method, path string, payload any) int {
	code, responseBody, err := c.do(ctx, method, path, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func (c client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: energyqactl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health             GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready              GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema             print the schema description used for SQL generation")
	_, _ = fmt.Fprintln(w, "  ask <question>     answer one question")
	_, _ = fmt.Fprintln(w, "  chat               interactive conversation; type exit to leave")
	_, _ = fmt.Fprintln(w, "  search <query>     show grounding matches (debug role)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
