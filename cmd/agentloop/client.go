package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/xiaot623/agentloop/internal/protocol"
	v1 "github.com/xiaot623/agentloop/internal/transport/http/v1"
)

func buildChatCmd(flags *clientFlags) *cobra.Command {
	var (
		sessionID string
		message   string
		modelID   string
		images    []string
		raw       bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send one message to a session and stream the reply",
		Example: `  agentloop chat --session 6f1c... --message "summarize the board"
  agentloop chat --message "hi"            # creates a new session first`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := newAPIClient(flags)
			if sessionID == "" {
				id, err := c.createSession(ctx, modelID)
				if err != nil {
					return err
				}
				sessionID = id
				fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", sessionID)
			}

			body, err := c.chatStream(ctx, map[string]any{
				"sessionId":     sessionID,
				"modelId":       modelID,
				"message":       message,
				"imageMediaIds": images,
			})
			if err != nil {
				return err
			}
			defer body.Close()
			return renderStream(cmd.OutOrStdout(), body, raw)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id (a new session is created when empty)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message text")
	cmd.Flags().StringVar(&modelID, "model", "", "Model id, e.g. openai:gpt-4o")
	cmd.Flags().StringSliceVar(&images, "image", nil, "Image media id (repeatable)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print raw event frames")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func buildWatchCmd(flags *clientFlags) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror a session's events over websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return newAPIClient(flags).watch(ctx, sessionID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		secret string
		teamID string
		userID string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := v1.SignToken(secret, teamID, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "Signing secret")
	cmd.Flags().StringVar(&teamID, "team-id", "", "Team id claim")
	cmd.Flags().StringVar(&userID, "user-id", "", "User id (subject)")
	cmd.Flags().StringVar(&role, "role", "", "Role claim used as policy input")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("team-id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

type apiClient struct {
	base   string
	flags  *clientFlags
	client *http.Client
}

func newAPIClient(flags *clientFlags) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(flags.server, "/"),
		flags:  flags,
		client: &http.Client{},
	}
}

func (c *apiClient) authorize(h http.Header) {
	if c.flags.token != "" {
		h.Set("Authorization", "Bearer "+c.flags.token)
	}
	if c.flags.teamID != "" {
		h.Set(v1.HeaderTeamID, c.flags.teamID)
	}
	if c.flags.userID != "" {
		h.Set(v1.HeaderUserID, c.flags.userID)
	}
}

func (c *apiClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("post %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *apiClient) createSession(ctx context.Context, modelID string) (string, error) {
	resp, err := c.post(ctx, "/api/agent-v3/sessions", map[string]string{"modelId": modelID})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var session struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return session.ID, nil
}

func (c *apiClient) chatStream(ctx context.Context, payload any) (io.ReadCloser, error) {
	resp, err := c.post(ctx, "/api/agent-v3/chat/stream", payload)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *apiClient) watch(ctx context.Context, sessionID string, out io.Writer) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/agent-v3/sessions/" + url.PathEscape(sessionID) + "/watch"

	header := http.Header{}
	c.authorize(header)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	fmt.Fprintf(out, "watching session %s\n", sessionID)

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		// a watched run failing does not end the watch
		if err := renderStream(out, bytes.NewReader(data), false); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// renderStream prints decoded events as they arrive. A run error becomes the
// command's error.
func renderStream(out io.Writer, r io.Reader, raw bool) error {
	dec := protocol.NewDecoder(r)
	var runErr error
	for {
		evt, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return runErr
		}
		if err != nil {
			return err
		}
		if raw {
			frame, err := protocol.Encode(evt)
			if err != nil {
				return err
			}
			out.Write(frame)
			continue
		}

		switch e := evt.(type) {
		case *protocol.StatusEvent:
			fmt.Fprintf(out, "[%s] %s\n", e.Status, e.Message)
		case *protocol.IterationInfoEvent:
			fmt.Fprintf(out, "-- iteration %d/%d\n", e.CurrentIteration, e.MaxIterations)
		case *protocol.ToolCallEvent:
			fmt.Fprintf(out, "-> %s %s\n", e.ToolName, string(e.ToolInput))
		case *protocol.ToolResultEvent:
			mark := "ok"
			if !e.Success {
				mark = "failed"
			}
			fmt.Fprintf(out, "<- %s (%s) %s\n", e.ToolName, mark, string(e.ToolOutput))
		case *protocol.ContentDeltaEvent:
			fmt.Fprint(out, e.Delta)
		case *protocol.ContentDoneEvent:
			fmt.Fprintln(out)
		case *protocol.ErrorEvent:
			runErr = fmt.Errorf("%s: %s", e.ErrorCode, e.ErrorMessage)
		case *protocol.DoneEvent:
			if e.TotalDuration != nil {
				fmt.Fprintf(out, "done in %.1fs\n", *e.TotalDuration)
			}
		}
	}
}
