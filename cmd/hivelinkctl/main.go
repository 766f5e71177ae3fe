package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hivelink/hivelink/internal/workspace"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addrFlag := flag.String("addr", envOr("HIVELINK_ADDR", "127.0.0.1:8270"), "daemon control API address")
	workspaceFlag := flag.String("workspace", os.Getenv("HIVELINK_WORKSPACE"), "workspace ID")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if err := workspace.ValidateID(*workspaceFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	c := &client{
		base:      "http://" + *addrFlag,
		workspace: *workspaceFlag,
		http:      &http.Client{Timeout: 15 * time.Second},
	}

	var err error
	switch args[0] {
	case "start":
		err = cmdStart(c, *jsonFlag)
	case "qr":
		err = cmdQR(c, *jsonFlag)
	case "status":
		err = cmdStatus(c, *jsonFlag)
	case "disconnect":
		err = cmdDisconnect(c, *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: hivelinkctl send <counterparty> <text>")
			os.Exit(1)
		}
		err = cmdSend(c, args[1], args[2], *jsonFlag)
	case "messages":
		err = cmdMessages(c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: hivelinkctl --workspace <id> [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  start                      Start (or resume) the workspace session")
	fmt.Fprintln(os.Stderr, "  qr                         Show the current pairing code")
	fmt.Fprintln(os.Stderr, "  status                     Show session status")
	fmt.Fprintln(os.Stderr, "  disconnect                 Log out and wipe credentials")
	fmt.Fprintln(os.Stderr, "  send <counterparty> <text> Send a text message")
	fmt.Fprintln(os.Stderr, "  messages                   List recent messages")
}

type client struct {
	base      string
	workspace string
	http      *http.Client
}

func (c *client) do(method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}

	u := c.base + "/instances/" + url.PathEscape(c.workspace) + path
	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func decode[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &v, nil
}

func apiError(data []byte, code int) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", e.Error, code)
	}
	return fmt.Errorf("HTTP %d", code)
}

func cmdStart(c *client, raw bool) error {
	data, code, err := c.do(http.MethodPost, "/start", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(data, code)
	}
	if raw {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println("session starting; run `hivelinkctl qr` to pair if needed")
	return nil
}

func cmdQR(c *client, raw bool) error {
	data, code, err := c.do(http.MethodGet, "/qr", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(data, code)
	}
	if raw {
		fmt.Println(string(data))
		return nil
	}
	resp, err := decode[struct {
		QR      *string `json:"qr"`
		Status  string  `json:"status"`
		Message string  `json:"message"`
	}](data)
	if err != nil {
		return err
	}
	if resp.QR == nil {
		fmt.Printf("no pairing code (status: %s)\n", resp.Status)
		if resp.Message != "" {
			fmt.Println(resp.Message)
		}
		return nil
	}
	fmt.Println(*resp.QR)
	return nil
}

func cmdStatus(c *client, raw bool) error {
	data, code, err := c.do(http.MethodGet, "/status", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(data, code)
	}
	if raw {
		fmt.Println(string(data))
		return nil
	}
	resp, err := decode[struct {
		Status   string  `json:"status"`
		Identity *string `json:"identity"`
		LastSeen *int64  `json:"lastSeen"`
	}](data)
	if err != nil {
		return err
	}
	fmt.Printf("workspace: %s\n", c.workspace)
	fmt.Printf("status:    %s\n", resp.Status)
	if resp.Identity != nil {
		fmt.Printf("identity:  %s\n", *resp.Identity)
	}
	if resp.LastSeen != nil {
		fmt.Printf("last seen: %s\n", time.UnixMilli(*resp.LastSeen).Format(time.RFC3339))
	}
	return nil
}

func cmdDisconnect(c *client, raw bool) error {
	data, code, err := c.do(http.MethodPost, "/disconnect", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(data, code)
	}
	if raw {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println("disconnected; credentials wiped")
	return nil
}

func cmdSend(c *client, counterparty, text string, raw bool) error {
	body := map[string]string{
		"counterpartyId": counterparty,
		"text":           text,
	}
	data, code, err := c.do(http.MethodPost, "/send", body)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(data, code)
	}
	if raw {
		fmt.Println(string(data))
		return nil
	}
	resp, err := decode[struct {
		MessageID string `json:"messageId"`
	}](data)
	if err != nil {
		return err
	}
	fmt.Printf("sent (id: %s)\n", resp.MessageID)
	return nil
}

func cmdMessages(c *client, raw bool) error {
	data, code, err := c.do(http.MethodGet, "/messages", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(data, code)
	}
	if raw {
		fmt.Println(string(data))
		return nil
	}
	resp, err := decode[struct {
		Messages []struct {
			Direction    string `json:"direction"`
			Counterparty string `json:"counterpartyId"`
			Text         string `json:"text"`
			Status       string `json:"status"`
			Timestamp    int64  `json:"timestamp"`
		} `json:"messages"`
	}](data)
	if err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		fmt.Println("no messages")
		return nil
	}
	for _, m := range resp.Messages {
		arrow := "<-"
		if m.Direction == "outbound" {
			arrow = "->"
		}
		ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Printf("%s %s %s [%s] %s\n", ts, arrow, m.Counterparty, m.Status, m.Text)
	}
	return nil
}
