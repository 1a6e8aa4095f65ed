// Command genie-cli is a terminal client for the Genie assistant. It drives
// the conversation-rate-limiter through the session tracker and streams
// answers from the chat endpoint.
//
// Usage:
//
//	genie-cli check --email ada@example.com
//	genie-cli chat --context healthcare --email ada@example.com --name Ada
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"genie-hub-backend/internal/config"
	"genie-hub-backend/internal/model"
	"genie-hub-backend/internal/tracker"
	"genie-hub-backend/internal/utils"
	"genie-hub-backend/pkg/logger"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Check CheckCmd `cmd:"" help:"Show the remaining conversation allowance."`
	Chat  ChatCmd  `cmd:"" help:"Start an interactive conversation."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	Email    string `help:"Email to report with limiter calls."`
	Name     string `help:"Display name to report with limiter calls."`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"warn"`
}

type CheckCmd struct{}

func (c *CheckCmd) Run(a *app) error {
	limits := a.tracker.CheckConversationLimits(context.Background(), a.cli.Email, a.cli.Name)
	printLimits(limits)
	return nil
}

type ChatCmd struct {
	Context string `help:"Conversation context." enum:"technology,healthcare" default:"technology"`
}

func (c *ChatCmd) Run(a *app) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer a.tracker.Close()

	check := a.tracker.CheckConversationLimits(ctx, a.cli.Email, a.cli.Name)
	if !check.Allowed {
		printLimits(check)
		return nil
	}

	limits := a.tracker.StartConversation(ctx, c.Context, a.cli.Email, a.cli.Name)
	if !limits.Allowed {
		printLimits(limits)
		return nil
	}

	session := a.tracker.CurrentSession()
	fmt.Printf("Conversation %s started (%d of %d this hour). Type /quit to leave.\n",
		session.SessionID, limits.HourlyCount, limits.HourlyLimit)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}

		if update := a.tracker.UpdateMessageCount(ctx); update != nil && !update.Allowed {
			printLimits(update)
			break
		}

		if err := a.streamAnswer(ctx, session.SessionID, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}

	a.tracker.EndConversation(context.Background())
	fmt.Println("Conversation ended.")
	return scanner.Err()
}

type app struct {
	cli     *CLI
	cfg     config.ClientConfig
	client  *http.Client
	tracker *tracker.Tracker
}

// streamAnswer posts one message to the chat endpoint and prints the SSE
// message chunks as they arrive.
func (a *app) streamAnswer(ctx context.Context, sessionID, message string) error {
	body, err := json.Marshal(model.ChatRequest{SessionID: sessionID, Message: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ChatURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// The stream may outlive the limiter request timeout.
	streamClient := *a.client
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	event := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if utils.IsDone(data) {
				fmt.Println()
				return nil
			}
			if err := printEvent(event, data); err != nil {
				return err
			}
			event = ""
		}
	}
	return scanner.Err()
}

func printEvent(event, data string) error {
	switch event {
	case "message":
		var chunk model.ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode chunk: %w", err)
		}
		fmt.Print(chunk.Content)
	case "error":
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		return fmt.Errorf("assistant error: %s", payload.Error)
	}
	return nil
}

func printLimits(limits *model.ConversationLimits) {
	if limits.Allowed {
		fmt.Printf("Allowed: %d/%d conversations this hour, %d/%d today.\n",
			limits.HourlyCount, limits.HourlyLimit, limits.DailyCount, limits.DailyLimit)
		if limits.EmailHourlyCount != nil {
			fmt.Printf("Email: %d/%d this hour, %d/%d today.\n",
				*limits.EmailHourlyCount, *limits.EmailHourlyLimit, *limits.EmailDailyCount, *limits.EmailDailyLimit)
		}
		return
	}

	msg := limits.Message
	if msg == "" {
		msg = "Conversation limit reached."
	}
	fmt.Printf("Not allowed (%s): %s\n", limits.RestrictionReason, msg)
	if !limits.ResetTime.IsZero() {
		fmt.Printf("Try again after %s.\n", limits.ResetTime.Local().Format(time.Kitchen))
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("genie-cli"),
		kong.Description("Terminal client for the Genie assistant"),
		kong.UsageOnError(),
	)

	if err := logger.InitWithOutput(cli.LogLevel, "text", os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cli.Config)
	ctx.FatalIfErrorf(err)

	client := utils.NewHTTPClient(cfg.Client.RequestTimeout)
	a := &app{
		cli:    &cli,
		cfg:    cfg.Client,
		client: client,
		tracker: tracker.New(
			tracker.NewHTTPInvoker(cfg.Client.LimiterURL, cfg.Client.APIKey, client),
			tracker.NewHTTPIPResolver(cfg.Client.IPLookupURL, client),
			tracker.WithIPTimeout(cfg.Client.IPLookupTimeout),
			tracker.WithReconcile(cfg.Client.ReconcileCounts),
		),
	}

	err = ctx.Run(a)
	ctx.FatalIfErrorf(err)
}
