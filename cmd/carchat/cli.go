package main

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/carchat/internal/config"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
	"github.com/hpungsan/carchat/internal/ops"
	"github.com/hpungsan/carchat/internal/transcript"
	"github.com/hpungsan/carchat/internal/web"
	"github.com/hpungsan/carchat/internal/workflow"
)

// services bundles what the commands run against. It is nil for help and
// version, which never reach an Action.
type services struct {
	cfg    *config.Config
	repo   *ops.Repository
	engine *workflow.Engine
	log    zerolog.Logger
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(svc *services) *cli.App {
	app := &cli.App{
		Name:    "carchat",
		Usage:   "Vehicle question answering with conversation memory",
		Version: Version,
		Commands: []*cli.Command{
			askCmd(svc),
			routeCmd(svc),
			historyCmd(svc),
			listCmd(svc),
			closeCmd(svc),
			contextCmd(svc),
			similarCmd(svc),
			analyticsCmd(svc),
			capabilitiesCmd(svc),
			healthCmd(svc),
			exportCmd(svc),
			serveCmd(svc),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// askCmd runs one turn through the workflow engine.
func askCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a question about a vehicle (question from args or stdin)",
		ArgsUsage: "[question]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Vehicle ID the question is about"},
			&cli.StringFlag{Name: "session", Usage: "Session ID for continuity across turns"},
			&cli.StringFlag{Name: "conversation", Aliases: []string{"c"}, Usage: "Continue this conversation"},
			&cli.StringFlag{Name: "snapshot", Usage: "Vehicle attributes as a JSON object"},
		},
		Action: func(c *cli.Context) error {
			question, err := questionArg(c)
			if err != nil {
				return outputError(err)
			}

			in := workflow.TurnInput{
				SubjectID:      c.String("subject"),
				Question:       question,
				ConversationID: c.String("conversation"),
			}
			if session := c.String("session"); session != "" {
				in.SessionID = &session
			}
			if raw := c.String("snapshot"); raw != "" {
				snap, err := parseSnapshot(raw)
				if err != nil {
					return outputError(err)
				}
				in.Snapshot = snap
			}

			return outputJSON(svc.engine.Run(c.Context, in))
		},
	}
}

// routeCmd shows how a question would be routed without running a turn.
func routeCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "route",
		Usage:     "Show the routing decision and per-capability scores for a question",
		ArgsUsage: "[question]",
		Action: func(c *cli.Context) error {
			question, err := questionArg(c)
			if err != nil {
				return outputError(err)
			}
			result, scores := svc.engine.Route(question)
			return outputJSON(map[string]any{"route": result, "scores": scores})
		},
	}
}

// historyCmd creates the history command.
func historyCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the messages of a conversation",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultHistoryLimit, Usage: "Trailing messages to show"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one conversation ID is required"))
			}
			output, err := svc.repo.GetHistory(c.Context, c.Args().First(), c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// listCmd creates the list command.
func listCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List conversations for a session or vehicle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "Filter by session"},
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Filter by vehicle"},
			&cli.BoolFlag{Name: "open", Usage: "Only open conversations"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum results"},
			&cli.IntFlag{Name: "offset", Usage: "Pagination offset"},
		},
		Action: func(c *cli.Context) error {
			input := ops.ListInput{
				OpenOnly: c.Bool("open"),
				Limit:    c.Int("limit"),
				Offset:   c.Int("offset"),
			}
			if session := c.String("session"); session != "" {
				input.SessionID = &session
			}
			if subject := c.String("subject"); subject != "" {
				input.SubjectID = &subject
			}

			output, err := svc.repo.ListConversations(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// closeCmd creates the close command.
func closeCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "close",
		Usage:     "Close a conversation; the next turn starts a new one",
		ArgsUsage: "<conversation-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one conversation ID is required"))
			}
			output, err := svc.repo.CloseConversation(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// contextCmd shows the aggregate used to personalize a session's turns.
func contextCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "context",
		Usage: "Show the user context aggregated for a session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Required: true, Usage: "Session ID"},
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Restrict to one vehicle"},
			&cli.StringFlag{Name: "window", Aliases: []string{"w"}, Usage: "Recency window (e.g., 30d)"},
		},
		Action: func(c *cli.Context) error {
			input := ops.UserContextInput{SessionID: c.String("session")}
			if subject := c.String("subject"); subject != "" {
				input.SubjectID = &subject
			}
			if window := c.String("window"); window != "" {
				days, err := parseDuration(window)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.RecencyWindowDays = days
			}

			output, err := svc.repo.GetUserContext(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// similarCmd creates the similar command.
func similarCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "similar",
		Usage: "List past conversations about the same vehicle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Required: true, Usage: "Vehicle ID"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum conversations"},
			&cli.IntFlag{Name: "min-messages", Usage: "Minimum messages per conversation"},
			&cli.StringFlag{Name: "exclude", Usage: "Conversation ID to leave out"},
			&cli.IntFlag{Name: "messages", Usage: "Trailing messages to include per conversation"},
		},
		Action: func(c *cli.Context) error {
			output, err := svc.repo.GetSimilarConversations(c.Context, ops.SimilarInput{
				SubjectID:    c.String("subject"),
				Limit:        c.Int("limit"),
				MinMessages:  c.Int("min-messages"),
				ExcludeID:    c.String("exclude"),
				MessageLimit: c.Int("messages"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"items": output})
		},
	}
}

// analyticsCmd creates the analytics command.
func analyticsCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "analytics",
		Usage: "Summarize activity over a window",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "window", Aliases: []string{"w"}, Value: "30d", Usage: "Window (e.g., 7d)"},
		},
		Action: func(c *cli.Context) error {
			days, err := parseDuration(c.String("window"))
			if err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}
			output, err := svc.repo.GetAnalytics(c.Context, days)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// capabilitiesCmd creates the capabilities command.
func capabilitiesCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "capabilities",
		Usage: "List the capabilities a question can be routed to",
		Action: func(_ *cli.Context) error {
			return outputJSON(map[string]any{"capabilities": svc.engine.Capabilities()})
		},
	}
}

// healthCmd creates the health command.
func healthCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Show the turn workflow graph",
		Action: func(_ *cli.Context) error {
			return outputJSON(svc.engine.Health())
		},
	}
}

// exportCmd renders conversations as markdown, HTML or JSONL.
func exportCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export conversation transcripts",
		ArgsUsage: "<conversation-id>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "markdown", Usage: "Output format: markdown|html|jsonl"},
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Write to this file instead of stdout"},
		},
		Action: func(c *cli.Context) error {
			ids := c.Args().Slice()
			if len(ids) == 0 {
				return outputError(errors.NewInvalidRequest("at least one conversation ID is required"))
			}
			format := strings.ToLower(c.String("format"))

			ts := make([]*transcript.Transcript, 0, len(ids))
			for _, id := range ids {
				t, err := transcript.Load(c.Context, svc.repo, id)
				if err != nil {
					return outputError(err)
				}
				ts = append(ts, t)
			}

			data, err := renderExport(format, ts)
			if err != nil {
				return outputError(err)
			}

			path := c.String("path")
			if path == "" {
				_, err := os.Stdout.Write(data)
				return err
			}
			if err := writeExportFile(path, data); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return outputJSON(map[string]any{"path": path, "format": format, "count": len(ts)})
		},
	}
}

// serveCmd runs the HTTP API and transcript viewer.
func serveCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and transcript viewer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 8080, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			port := c.Int("port")
			if port < 0 || port > 65535 {
				return outputError(errors.NewInvalidRequest("port must be within 0-65535"))
			}
			h := web.NewHandlers(svc.engine, svc.repo, svc.log)
			return web.Run(c.Context, web.NewServer(h, c.String("bind"), port), svc.log)
		},
	}
}

// Helper functions

// renderExport encodes transcripts in format. HTML pages hold one
// conversation each.
func renderExport(format string, ts []*transcript.Transcript) ([]byte, error) {
	switch format {
	case "markdown", "md":
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = t.Markdown()
		}
		return []byte(strings.Join(parts, "\n---\n\n")), nil
	case "html":
		if len(ts) != 1 {
			return nil, errors.NewInvalidRequest("html export takes exactly one conversation")
		}
		page, err := ts[0].Document()
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		return page, nil
	case "jsonl":
		var buf bytes.Buffer
		if err := transcript.WriteJSONL(&buf, ts); err != nil {
			return nil, errors.NewInternal(err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.NewInvalidRequest("format must be one of: markdown, html, jsonl")
	}
}

// writeExportFile writes data to path, creating parent directories.
func writeExportFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// questionArg joins the positional args, or reads stdin when there are none.
func questionArg(c *cli.Context) (string, error) {
	if c.NArg() > 0 {
		return strings.TrimSpace(strings.Join(c.Args().Slice(), " ")), nil
	}
	if !stdinHasData() {
		return "", errors.NewInvalidRequest("question must be given as arguments or piped via stdin")
	}
	q, err := readStdin()
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if q == "" {
		return "", errors.NewInvalidRequest("question is required")
	}
	return q, nil
}

// parseSnapshot decodes a JSON object of vehicle attributes.
func parseSnapshot(raw string) (conversation.Snapshot, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var snap conversation.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, errors.NewInvalidRequest("snapshot must be a JSON object: " + err.Error())
	}
	return snap, nil
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var chatErr *errors.ChatError
	if stderrors.As(err, &chatErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", chatErr.Code, chatErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseDuration parses "7d" format to days.
func parseDuration(s string) (int, error) {
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return days, nil
	}
	return 0, fmt.Errorf("duration must end with 'd' (days), e.g., 7d")
}
