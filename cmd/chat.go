package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

// chatCmd is a terminal client for manual testing against a running gateway.
func chatCmd() *cobra.Command {
	var (
		addr  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to a running gateway from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatClient(cmd.Context(), addr, token)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8000", "gateway address")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CHATGATE_TOKEN"), "session token")
	return cmd
}

type clientFrame struct {
	Msg        *string `json:"msg"`
	Finish     bool    `json:"finish"`
	ChatroomID int64   `json:"chatroom_id"`
	IsUser     bool    `json:"is_user"`
	Init       bool    `json:"init"`
	ModelName  *string `json:"model_name"`
}

func runChatClient(ctx context.Context, addr, token string) error {
	wsURL := fmt.Sprintf("ws://%s/ws/chat", addr)
	headers := http.Header{}
	if token != "" {
		headers.Set("spark_token", token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	currentRoom := make(chan int64, 1)

	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\nconnection closed: %v\n", err)
				os.Exit(0)
			}
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Init {
				var payload struct {
					ChatroomIDs []int64 `json:"chatroom_ids"`
				}
				if frame.Msg != nil {
					_ = json.Unmarshal([]byte(*frame.Msg), &payload)
				}
				if len(payload.ChatroomIDs) > 0 {
					fmt.Printf("[rooms: %v, current: %d]\n", payload.ChatroomIDs, frame.ChatroomID)
				}
				select {
				case currentRoom <- frame.ChatroomID:
				default:
				}
				continue
			}
			if frame.Msg == nil {
				if frame.ModelName != nil {
					fmt.Printf("[%s] ", *frame.ModelName)
				}
				continue
			}
			fmt.Print(*frame.Msg)
			if frame.Finish {
				fmt.Println()
			}
		}
	}()

	room := <-currentRoom
	fmt.Printf("connected, chatting in room %d (\":room <id>\" switches, \"stop\" cancels)\n", room)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if id, ok := strings.CutPrefix(line, ":room "); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
			if err != nil {
				fmt.Fprintln(os.Stderr, "usage: :room <id>")
				continue
			}
			room = n
			// the gateway treats a message addressed to another room as a
			// switch and ignores its content
			payload, _ := json.Marshal(map[string]any{"msg": "", "chatroom_id": room})
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
			continue
		}
		if line == "stop" {
			if err := conn.Write(ctx, websocket.MessageText, []byte("stop")); err != nil {
				return err
			}
			continue
		}
		payload, _ := json.Marshal(map[string]any{"msg": line, "chatroom_id": room})
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return err
		}
	}
	return scanner.Err()
}
