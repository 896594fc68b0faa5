// Command wsclient is an interactive test client for the canvas session
// engine. It connects to a session, mirrors server events, and accepts
// simple mutation commands on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nexuspro/canvas/api"
	"github.com/nexuspro/canvas/client"
	"github.com/nexuspro/canvas/internal/slogging"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/sessions/demo", "websocket endpoint")
	token := flag.String("token", "", "bearer token")
	userID := flag.String("user", "tester", "user id")
	name := flag.String("name", "", "display name")
	sessionID := flag.String("session", "demo", "session id for the join message")
	flag.Parse()

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.LogLevelInfo,
		IsDev:            true,
		AlsoLogToConsole: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	mirror := client.NewMirror()

	transport, err := client.New(client.Options{
		URL:         *url,
		Token:       *token,
		UserID:      *userID,
		DisplayName: *name,
		SessionID:   *sessionID,
		OnMessage: func(msg api.Message) {
			mirror.Apply(msg)
			printEvent(msg)
		},
		OnStateChange: func(s client.State) {
			fmt.Printf("* transport %s\n", s)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if err := transport.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "initial connect failed, retrying in background: %v\n", err)
	}
	defer transport.Close()

	fmt.Println("commands: add <type> <x> <y> <content...> | move <id> <x> <y> | del <id> | cursor <x> <y> | ai <request...> | elements | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			return
		}
		if err := handleCommand(transport, mirror, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func handleCommand(t *client.Transport, mirror *client.Mirror, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "add":
		if len(fields) < 5 {
			return fmt.Errorf("usage: add <type> <x> <y> <content...>")
		}
		x, y, err := parseXY(fields[2], fields[3])
		if err != nil {
			return err
		}
		return t.Send(api.AddElementMessage{
			MessageType: api.MessageTypeAddElement,
			Element: api.ElementPayload{
				Type:     api.ElementType(fields[1]),
				Position: &api.Position{X: x, Y: y},
				Content:  strings.Join(fields[4:], " "),
			},
		})

	case "move":
		if len(fields) != 4 {
			return fmt.Errorf("usage: move <id> <x> <y>")
		}
		x, y, err := parseXY(fields[2], fields[3])
		if err != nil {
			return err
		}
		return t.Send(api.UpdateElementMessage{
			MessageType: api.MessageTypeUpdateElement,
			ElementID:   fields[1],
			Updates:     api.ElementUpdates{Position: &api.Position{X: x, Y: y}},
		})

	case "del":
		if len(fields) != 2 {
			return fmt.Errorf("usage: del <id>")
		}
		return t.Send(api.DeleteElementMessage{
			MessageType: api.MessageTypeDeleteElement,
			ElementID:   fields[1],
		})

	case "cursor":
		if len(fields) != 3 {
			return fmt.Errorf("usage: cursor <x> <y>")
		}
		x, y, err := parseXY(fields[1], fields[2])
		if err != nil {
			return err
		}
		return t.Send(api.CursorMoveMessage{
			MessageType: api.MessageTypeCursorMove,
			Position:    api.Position{X: x, Y: y},
		})

	case "ai":
		if len(fields) < 2 {
			return fmt.Errorf("usage: ai <request...>")
		}
		return t.Send(api.AIRequestMessage{
			MessageType: api.MessageTypeAIRequest,
			Request:     strings.Join(fields[1:], " "),
		})

	case "elements":
		fmt.Printf("%d elements, participants: %v\n", mirror.ElementCount(), mirror.Participants())
		return nil

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func parseXY(xs, ys string) (float64, float64, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad x coordinate %q", xs)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad y coordinate %q", ys)
	}
	return x, y, nil
}

func printEvent(msg api.Message) {
	switch ev := msg.(type) {
	case api.CanvasStateMessage:
		fmt.Printf("< canvas_state: %d elements, %d participants, agents=%v\n", len(ev.Canvas), len(ev.Participants), ev.AIAgents)
	case api.ElementAddedMessage:
		fmt.Printf("< element_added: %s [%s] by %s at (%.0f,%.0f)\n", ev.Element.ID, ev.Element.Type, ev.Element.AuthorID, ev.Element.Position.X, ev.Element.Position.Y)
	case api.ElementUpdatedMessage:
		fmt.Printf("< element_updated: %s\n", ev.ElementID)
	case api.ElementDeletedMessage:
		fmt.Printf("< element_deleted: %s\n", ev.ElementID)
	case api.CursorMovedMessage:
		fmt.Printf("< cursor_moved: %s (%.0f,%.0f)\n", ev.UserID, ev.Position.X, ev.Position.Y)
	case api.UserJoinedMessage:
		fmt.Printf("< user_joined: %s (%d participants)\n", ev.UserID, len(ev.Participants))
	case api.UserLeftMessage:
		fmt.Printf("< user_left: %s\n", ev.UserID)
	case api.WireError:
		fmt.Printf("< error: %s %s\n", ev.Code, ev.Message)
	}
}
