// Command chatcli is a terminal client for the chat gateway.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/chat/internal/auth"
	"github.com/xiaot623/gogo/chat/internal/protocol"
)

// Client represents a WebSocket client.
type Client struct {
	conn   *websocket.Conn
	userID string
	done   chan struct{}
}

// NewClient connects to addr, authenticating with token.
func NewClient(addr, token string) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Send posts content to a user or a conversation.
func (c *Client) Send(to, conversation, content string) error {
	return c.conn.WriteJSON(map[string]string{
		"type":            protocol.TypeMessage,
		"message":         content,
		"sender_id":       c.userID,
		"receiver_id":     to,
		"conversation_id": conversation,
	})
}

// MarkRead marks the thread with a user or a conversation as read.
func (c *Client) MarkRead(to, conversation string) error {
	return c.conn.WriteJSON(map[string]string{
		"type":            protocol.TypeMarkRead,
		"user_id":         to,
		"conversation_id": conversation,
	})
}

// ReadMessages reads and prints frames from the server.
func (c *Client) ReadMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					fmt.Printf("\nConnection closed: %d %s\n", ce.Code, ce.Text)
				} else {
					log.Printf("Read error: %v", err)
				}
				os.Exit(0)
			}

			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}

			switch frame["type"] {
			case protocol.TypeMessage:
				fmt.Printf("\n[%v] %v: %v\n> ", frame["timestamp"], frame["sender_id"], frame["message"])
			case protocol.TypeError:
				fmt.Printf("\n[error] %v: %v\n> ", frame["code"], frame["message"])
			default:
				formatted, _ := json.MarshalIndent(frame, "", "  ")
				fmt.Printf("\n[%v] Received:\n%s\n> ", frame["type"], string(formatted))
			}
		}
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws/chat", "WebSocket server address")
	token := flag.String("token", "", "Access token; minted from -secret when empty")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret for minting a development token")
	userID := flag.String("user", "", "User id to connect as")
	to := flag.String("to", "", "User id to send messages to")
	conversation := flag.String("conversation", "", "Conversation id to send messages to")
	flag.Parse()

	log.SetFlags(log.Ltime)

	if *userID == "" {
		log.Fatal("-user is required")
	}
	if (*to == "") == (*conversation == "") {
		log.Fatal("exactly one of -to and -conversation is required")
	}
	if *token == "" {
		if *secret == "" {
			log.Fatal("-token or -secret is required")
		}
		minted, err := auth.NewIssuer(*secret, os.Getenv("JWT_ISSUER")).IssueToken(*userID, 24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to mint token: %v", err)
		}
		*token = minted
	}

	fmt.Printf("Connecting to %s as user %s...\n", *addr, *userID)

	client, err := NewClient(*addr, *token)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	client.userID = *userID
	defer client.Close()

	fmt.Println("Connected.")
	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /read to mark the thread read, /quit to exit")
	fmt.Println()

	// Start reading messages in background
	go client.ReadMessages()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Println("\nInterrupted")
		_ = client.Close()
		os.Exit(0)
	}()

	// Read user input
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit":
			fmt.Println("Bye!")
			return
		case "/read":
			if err := client.MarkRead(*to, *conversation); err != nil {
				log.Printf("Send error: %v", err)
			}
			continue
		}

		if err := client.Send(*to, *conversation, input); err != nil {
			log.Printf("Send error: %v", err)
		}
	}
}
