package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"lanrelay/internal/client"
	"lanrelay/internal/transfer"
	"lanrelay/pkg/protocol"
)

const authTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	addr      string
	mode      string
	room      string
	username  string
	password  string
	downloads string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("lanrelay-client", flag.ContinueOnError)
	fs.StringVar(&opts.addr, "addr", client.DefaultConfig().Addr, "relay address")
	fs.StringVar(&opts.mode, "mode", "join", "host or join")
	fs.StringVar(&opts.room, "room", "", "room name")
	fs.StringVar(&opts.username, "user", "", "display name")
	fs.StringVar(&opts.password, "password", "", "room password")
	fs.StringVar(&opts.downloads, "downloads", "", "directory for received files (default ~/"+transfer.DefaultDirName+")")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.mode != "host" && opts.mode != "join" {
		return opts, fmt.Errorf("mode must be host or join, got %q", opts.mode)
	}
	if opts.room == "" || opts.username == "" {
		return opts, errors.New("-room and -user are required")
	}
	return opts, nil
}

// console serializes output from the read goroutine and the input loop.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	con := &console{out: out}
	reassembler, err := transfer.NewReassembler(opts.downloads, func(name string, percent int) {
		con.printf("[CLIENT] Receiving %s: %d%%", name, percent)
	})
	if err != nil {
		return err
	}
	defer func() { _ = reassembler.Close() }()

	authResults := make(chan protocol.AuthResult, 1)
	handlers := client.Handlers{
		OnAuthResult: func(res protocol.AuthResult) {
			select {
			case authResults <- res:
			default:
			}
		},
		OnChat: func(msg protocol.Chat) {
			con.printf("%s: %s", msg.From, msg.Message)
		},
		OnSystem: func(msg protocol.System) {
			con.printf("* %s", msg.Message)
		},
		OnRoster: func(roster protocol.Clients) {
			con.printf("* online: %s", strings.Join(roster.List, ", "))
		},
		OnFileOffer: func(offer protocol.FileOffer) {
			con.printf("* %s is sending %s (%d bytes)", offer.From, offer.Filename, offer.Filesize)
		},
		OnUnknown: func(env protocol.Envelope) {
			con.printf("[CLIENT] Ignoring %s frame", env.Type)
		},
	}
	client.AttachReassembler(&handlers, reassembler,
		func(sender, path string) { con.printf("* saved %s from %s", path, sender) },
		func(err error) { con.printf("[CLIENT] %v", err) },
	)

	cfg := client.DefaultConfig()
	cfg.Addr = opts.addr
	c := client.New(cfg, handlers)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if opts.mode == "host" {
		err = c.Host(opts.room, opts.password, opts.username)
	} else {
		err = c.Join(opts.room, opts.password, opts.username)
	}
	if err != nil {
		return err
	}

	select {
	case res := <-authResults:
		if !res.OK {
			return fmt.Errorf("%s refused: %s", opts.mode, res.Text())
		}
		con.printf("[CLIENT] %s %s as %s", res.Text(), opts.room, opts.username)
	case <-c.Done():
		return errors.New("connection closed before authentication")
	case <-time.After(authTimeout):
		return errors.New("timed out waiting for authentication")
	case <-ctx.Done():
		return nil
	}

	return inputLoop(ctx, c, in, con)
}

func inputLoop(ctx context.Context, c *client.Client, in io.Reader, con *console) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			con.printf("[CLIENT] Disconnected from relay")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, c, strings.TrimSpace(line), con); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input command and reports whether to quit.
func handleLine(ctx context.Context, c *client.Client, line string, con *console) bool {
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/send "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/send "))
		err := c.SendFile(ctx, path, protocol.TargetAll, func(percent int) {
			con.printf("[CLIENT] Sending %s: %d%%", path, percent)
		})
		if err != nil {
			con.printf("[CLIENT] Send failed: %v", err)
		}
		return false
	default:
		if err := c.Chat(line); err != nil {
			con.printf("[CLIENT] Chat failed: %v", err)
		}
		return false
	}
}
