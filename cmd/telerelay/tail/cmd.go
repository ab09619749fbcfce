package tail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/telerelay/cmd/telerelay/subcmd"
	"github.com/temoto/telerelay/helpers/cli"
	"github.com/temoto/telerelay/internal/config"
	"github.com/temoto/telerelay/log2"
	"github.com/temoto/telerelay/tele"
)

const modName = "tail"

var Mod = subcmd.Mod{Name: modName, Usage: "print relay records, [url] defaults to local relay", Main: Main}

const usage = `commands:
- ping   send ping, relay answers Pong
- quit   exit
`

func Main(ctx context.Context, log *log2.Log, config *config.Config, args []string) error {
	url := LocalURL(config.Relay.Addr())
	if len(args) > 0 {
		url = args[0]
	}
	c, err := Dial(ctx, url)
	if err != nil {
		return err
	}
	log.Debugf("tail connected url=%s", url)

	copyErr := make(chan error, 1)
	go func() {
		err := c.Copy(os.Stdout)
		if err == nil {
			log.Infof("tail relay closed connection")
		}
		copyErr <- err
	}()

	cli.MainLoop(modName, newExecutor(log, c), cli.Suggest([]prompt.Suggest{
		{Text: "ping", Description: "send ping"},
		{Text: "quit", Description: "exit"},
	}), func(os.Signal) {
		c.Close()
		os.Exit(0)
	})
	// stdin exhausted, keep printing until relay closes
	return <-copyErr
}

func newExecutor(log *log2.Log, c *Client) func(string) {
	return func(line string) {
		switch strings.TrimSpace(line) {
		case "":
		case "ping":
			if err := c.Ping(time.Now()); err != nil {
				log.Errorf("ping err=%v", err)
			}
		case "quit", "exit":
			c.Close()
			os.Exit(0)
		default:
			fmt.Print(usage)
		}
	}
}

// LocalURL turns listen address into WebSocket URL, empty host means localhost.
func LocalURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "ws://" + listen + "/ws"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}

type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func Dial(ctx context.Context, url string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "tail dial url=%s", url)
	}
	resp.Body.Close()
	return &Client{conn: conn}, nil
}

func (c *Client) Ping(t time.Time) error {
	b, err := json.Marshal(tele.Inbound{Type: "ping", Timestamp: json.RawMessage(fmt.Sprint(t.UnixMilli()))})
	if err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Copy writes one record per line until connection closes.
func (c *Client) Copy(w io.Writer) error {
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.isClosed() {
				return nil
			}
			return errors.Trace(err)
		}
		if _, err = fmt.Fprintf(w, "%s\n", b); err != nil {
			return errors.Trace(err)
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
