package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/nyumbani/chatkit/internal/client"
	"github.com/nyumbani/chatkit/internal/history"
	"github.com/nyumbani/chatkit/internal/metrics"
	"github.com/nyumbani/chatkit/internal/notify"
	"github.com/nyumbani/chatkit/internal/session"
	"github.com/nyumbani/chatkit/internal/transport"
)

func main() {
	chatURL := "ws://localhost:8080/ws"
	if v := os.Getenv("CHAT_URL"); v != "" {
		chatURL = v
	}
	apiURL := os.Getenv("API_URL")
	transportKind := "ws"
	if v := os.Getenv("TRANSPORT"); v != "" {
		transportKind = v
	}
	metricsAddr := os.Getenv("METRICS_ADDR")

	sess := session.Session{
		UserID:    os.Getenv("USER_ID"),
		Role:      os.Getenv("USER_ROLE"),
		AuthToken: os.Getenv("AUTH_TOKEN"),
	}
	if sess.Role == "" {
		sess.Role = session.RoleTenant
	}
	if err := sess.Validate(); err != nil {
		log.Fatalf("invalid session: %v (set USER_ID, USER_ROLE, AUTH_TOKEN)", err)
	}

	cfg := client.DefaultConfig()
	if v := os.Getenv("SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SendTimeout = d
		}
	}
	if v := os.Getenv("JOIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JoinTimeout = d
		}
	}

	var tr transport.Transport
	switch transportKind {
	case "ws":
		tr = transport.NewWebSocket(chatURL)
	case "nats":
		tr = transport.NewNATSTransport(chatURL)
	default:
		log.Fatalf("unknown TRANSPORT %q (want ws or nats)", transportKind)
	}

	var hist *history.Client
	if apiURL != "" {
		hist = history.NewClient(apiURL, sess.AuthToken, 15*time.Second)
	}

	log.Printf("chatkit client starting")
	log.Printf("  chat_url:   %s", chatURL)
	log.Printf("  transport:  %s", transportKind)
	log.Printf("  user:       %s (%s)", sess.UserID, sess.Role)
	if apiURL != "" {
		log.Printf("  api_url:    %s", apiURL)
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("  metrics:    http://%s/metrics", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	c, err := client.New(sess, tr, hist, notify.Terminal{}, cfg)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := c.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("connect: %v", err)
	}
	cancel()
	color.Green("connected as %s", sess.UserID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	if room := os.Getenv("ROOM"); room != "" {
		joinAndWatch(c, room)
	}

	prompt()
	for {
		select {
		case sig := <-sigCh:
			fmt.Println()
			log.Printf("received %v, shutting down", sig)
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(c, line); quit {
				return
			}
			prompt()
		}
	}
}

func prompt() {
	fmt.Print("> ")
}

// handleLine dispatches one line of input. Slash commands manage rooms;
// anything else is sent to the active room.
func handleLine(c *client.Controller, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		room := c.ActiveRoom()
		if room == "" {
			color.Red("no active room; /join <room> first")
			return false
		}
		if _, err := c.SendMessage(room, line, false); err != nil {
			color.Red("send failed: %v", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "join":
		if arg == "" {
			color.Red("usage: /join <room>")
			return false
		}
		joinAndWatch(c, arg)
	case "leave":
		if arg == "" {
			arg = c.ActiveRoom()
		}
		if err := c.LeaveRoom(arg); err != nil {
			color.Red("leave %s: %v", arg, err)
		} else if c.ActiveRoom() == arg {
			c.SetActiveRoom("")
		}
	case "room":
		if !c.IsMember(arg) {
			color.Red("not a member of %s", arg)
			return false
		}
		c.SetActiveRoom(arg)
		color.Cyan("active room: %s", arg)
	case "rooms":
		for _, r := range c.Rooms() {
			marker := " "
			if r == c.ActiveRoom() {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, r)
		}
	case "who":
		room := c.ActiveRoom()
		if arg != "" {
			room = arg
		}
		for _, u := range c.Online(room) {
			fmt.Println(u)
		}
	case "alert":
		room := c.ActiveRoom()
		if room == "" || arg == "" {
			color.Red("usage: /alert <text> (with an active room)")
			return false
		}
		if _, err := c.SendMessage(room, arg, true); err != nil {
			color.Red("alert failed: %v", err)
		}
	case "retry":
		room := c.ActiveRoom()
		if _, err := c.RetrySend(room, arg); err != nil {
			color.Red("retry %s: %v", arg, err)
		}
	case "quit", "exit":
		return true
	default:
		color.Red("unknown command /%s", cmd)
	}
	return false
}

// joinAndWatch joins a room, makes it active, and renders its messages on
// every update.
func joinAndWatch(c *client.Controller, room string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.JoinRoom(ctx, room); err != nil {
		color.Red("join %s: %v", room, err)
		return
	}
	c.SetActiveRoom(room)
	color.Cyan("joined %s", room)

	var mu sync.Mutex
	seen := make(map[string]bool)
	render := func() {
		mu.Lock()
		defer mu.Unlock()
		for m := range c.Messages(room) {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			printMessage(m.SenderID, m.Content, string(m.State), m.IsEmergency)
		}
	}
	c.Subscribe(room, render)
	render()
}

func printMessage(sender, content, state string, emergency bool) {
	ts := time.Now().Format("15:04:05")
	switch {
	case emergency:
		color.New(color.FgRed, color.Bold).Printf("%s %s: %s\n", ts, sender, content)
	case state == "pending":
		color.New(color.Faint).Printf("%s %s: %s (sending)\n", ts, sender, content)
	case state == "failed":
		color.New(color.FgRed).Printf("%s %s: %s (failed, /retry)\n", ts, sender, content)
	default:
		fmt.Printf("%s %s: %s\n", ts, sender, content)
	}
}
