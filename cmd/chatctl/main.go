package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	method, req, render, err := parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		fail(err)
	}
	if *jsonFlag || render == nil {
		outputJSON(resp)
		return
	}
	render(resp)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show session status")
	fmt.Fprintln(os.Stderr, "  connect [token]                     Connect to the chat server")
	fmt.Fprintln(os.Stderr, "  disconnect                          Close the connection")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]           List conversations")
	fmt.Fprintln(os.Stderr, "  create <user-id>                    Start a one-to-one conversation")
	fmt.Fprintln(os.Stderr, "  create-group <name> <user-id>...    Create a group conversation")
	fmt.Fprintln(os.Stderr, "  open <conversation>                 Open a conversation and mark it read")
	fmt.Fprintln(os.Stderr, "  close <conversation>                Close a conversation")
	fmt.Fprintln(os.Stderr, "  messages <conversation> [page]      Show messages, loading a history page")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>...       Send a message")
	fmt.Fprintln(os.Stderr, "  retry <message>                     Retry a failed message")
	fmt.Fprintln(os.Stderr, "  read <conversation>                 Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  typing <conversation> [--stop]      Signal typing")
	fmt.Fprintln(os.Stderr, "  presence [user]                     Show presence")
	fmt.Fprintln(os.Stderr, "  set-presence <status>               Set your own presence")
	fmt.Fprintln(os.Stderr, "  watch [namespace]                   Stream events")
	fmt.Fprintln(os.Stderr, "  logout                              Drop all local state")
}

type renderer func(map[string]any)

func parse(args []string) (string, map[string]any, renderer, error) {
	cmd, rest := args[0], args[1:]
	need := func(n int, usage string) error {
		if len(rest) < n {
			return fmt.Errorf("usage: chatctl %s %s", cmd, usage)
		}
		return nil
	}
	switch cmd {
	case "status":
		return api.MethodStatus, nil, renderStatus, nil
	case "connect":
		req := map[string]any{}
		if len(rest) > 0 {
			req["token"] = rest[0]
		}
		return api.MethodConnect, req, renderState, nil
	case "disconnect":
		return api.MethodDisconnect, nil, renderState, nil
	case "conversations":
		refresh := len(rest) > 0 && rest[0] == "--refresh"
		return api.MethodConversations, map[string]any{"refresh": refresh}, renderConversations, nil
	case "create":
		if err := need(1, "<user-id>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodCreateConversation, map[string]any{"participant_id": rest[0]}, renderCreated, nil
	case "create-group":
		if err := need(2, "<name> <user-id>..."); err != nil {
			return "", nil, nil, err
		}
		ids := make([]any, 0, len(rest)-1)
		for _, id := range rest[1:] {
			ids = append(ids, id)
		}
		return api.MethodCreateConversation, map[string]any{"name": rest[0], "participant_ids": ids}, renderCreated, nil
	case "open":
		if err := need(1, "<conversation>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodOpen, map[string]any{"conversation_id": rest[0]}, renderMessages, nil
	case "close":
		if err := need(1, "<conversation>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodClose, map[string]any{"conversation_id": rest[0]}, renderOK, nil
	case "messages":
		if err := need(1, "<conversation> [page]"); err != nil {
			return "", nil, nil, err
		}
		req := map[string]any{"conversation_id": rest[0]}
		if len(rest) > 1 {
			page, err := strconv.Atoi(rest[1])
			if err != nil || page < 0 {
				return "", nil, nil, fmt.Errorf("invalid page %q", rest[1])
			}
			req["page"] = page
		}
		return api.MethodMessages, req, renderMessages, nil
	case "send":
		if err := need(2, "<conversation> <text>..."); err != nil {
			return "", nil, nil, err
		}
		req := map[string]any{"conversation_id": rest[0], "content": strings.Join(rest[1:], " ")}
		return api.MethodSend, req, renderSent, nil
	case "retry":
		if err := need(1, "<message>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodRetry, map[string]any{"message_id": rest[0]}, nil, nil
	case "read":
		if err := need(1, "<conversation>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodMarkRead, map[string]any{"conversation_id": rest[0]}, renderOK, nil
	case "typing":
		if err := need(1, "<conversation> [--stop]"); err != nil {
			return "", nil, nil, err
		}
		stop := len(rest) > 1 && rest[1] == "--stop"
		return api.MethodTyping, map[string]any{"conversation_id": rest[0], "stop": stop}, nil, nil
	case "presence":
		req := map[string]any{}
		if len(rest) > 0 {
			req["user_id"] = rest[0]
		}
		return api.MethodPresence, req, renderPresence, nil
	case "set-presence":
		if err := need(1, "<ONLINE|AWAY|OFFLINE|DO_NOT_DISTURB|INVISIBLE>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodSetPresence, map[string]any{"status": strings.ToUpper(rest[0])}, renderOK, nil
	case "logout":
		return api.MethodLogout, nil, renderState, nil
	default:
		return "", nil, nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	namespace := ""
	if len(args) > 0 {
		namespace = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, namespace, func(evt map[string]any) error {
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(evt)
		}
		at := time.UnixMilli(int64(num(evt["occurred_at_unix_ms"])))
		payload, _ := json.Marshal(evt["payload"])
		fmt.Printf("%s %-26s %s\n", at.Format("15:04:05.000"), evt["kind"], payload)
		return nil
	})
	if err != nil {
		fail(err)
	}
}

func renderStatus(r map[string]any) {
	fmt.Printf("Session:       %s\n", r["session"])
	fmt.Printf("State:         %s\n", r["state"])
	fmt.Printf("User:          %s %s\n", r["user_id"], r["username"])
	fmt.Printf("Presence:      %s\n", r["presence"])
	fmt.Printf("Conversations: %d\n", int(num(r["conversations"])))
	fmt.Printf("Pending:       %d\n", int(num(r["pending"])))
	fmt.Printf("Outstanding:   %d\n", int(num(r["outstanding"])))
	fmt.Printf("Uptime:        %s\n", (time.Duration(num(r["uptime_ms"])) * time.Millisecond).Round(time.Second))
}

func renderState(r map[string]any) {
	fmt.Printf("State: %s\n", r["state"])
}

func renderOK(map[string]any) {
	fmt.Println("ok")
}

func renderSent(r map[string]any) {
	fmt.Printf("%s %s\n", r["temp_id"], r["status"])
}

func renderCreated(r map[string]any) {
	conv, _ := r["conversation"].(map[string]any)
	fmt.Printf("%s %s\n", conv["id"], conv["name"])
}

func renderConversations(r map[string]any) {
	list, _ := r["conversations"].([]any)
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, item := range list {
		conv, _ := item.(map[string]any)
		preview := ""
		if lm, ok := conv["last_message"].(map[string]any); ok {
			preview, _ = lm["content"].(string)
		}
		unread := ""
		if n := int(num(conv["unread_count"])); n > 0 {
			unread = fmt.Sprintf("(%d)", n)
		}
		fmt.Printf("%-6s %-24s %-5s %s\n", conv["id"], conv["name"], unread, preview)
	}
}

func renderMessages(r map[string]any) {
	list, _ := r["messages"].([]any)
	for _, item := range list {
		m, _ := item.(map[string]any)
		at := time.UnixMilli(int64(num(m["sent_at"])))
		fmt.Printf("%s %-12s %-9s %s\n", at.Format("01-02 15:04"), m["sender_username"], m["status"], m["content"])
	}
}

func renderPresence(r map[string]any) {
	if users, ok := r["users"].(map[string]any); ok {
		for id, st := range users {
			fmt.Printf("%-8s %s\n", id, st)
		}
		return
	}
	fmt.Printf("%s %s\n", r["user_id"], r["status"])
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
