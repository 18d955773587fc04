package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cyberinferno/linechat/chatclient"
	"github.com/cyberinferno/linechat/config"
	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/protocol"
)

const guidance = "[안내] 종료하려면 " + protocol.QuitMarker + ` 를 입력하세요. 귓속말은 "/w 대상닉 메시지" 또는 "@대상닉 메시지".`

func connectCmd() *cobra.Command {
	cfg := config.DefaultClient()
	config.LoadClientFromEnv(&cfg)

	cmd := &cobra.Command{
		Use:   "connect [host] [port]",
		Short: "Join a chat server from the terminal",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) >= 1 {
				cfg.Host = args[0]
			}
			if len(args) == 2 {
				port, err := strconv.Atoi(args[1])
				if err != nil {
					return &config.ConfigError{Field: "port", Value: args[1], Message: "must be a number"}
				}
				cfg.Port = port
			}

			return runConnect(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	addEndpointFlags(fs, &cfg.Host, &cfg.Port, &cfg.LogLevel)
	fs.StringVarP(&cfg.Nickname, "nickname", "n", cfg.Nickname, "Nickname to request (env LINECHAT_NICKNAME)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "TCP connect timeout")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Wait limit for each handshake line")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-line write deadline")

	return cmd
}

func runConnect(cmd *cobra.Command, cfg config.ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	log := logger.NewConsole(cmd.ErrOrStderr(), "chatclient", level)
	defer func() { _ = log.Close() }()

	out := &printer{w: cmd.OutOrStdout()}
	input := bufio.NewReader(cmd.InOrStdin())

	nickname := strings.TrimSpace(cfg.Nickname)
	if nickname == "" {
		if nickname, err = promptNickname(input, out, isTerminal(cmd.InOrStdin())); err != nil {
			return err
		}
	}

	client := chatclient.New(chatclient.Config{
		Address:           cfg.Address(),
		ConnectionTimeout: cfg.DialTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}, log)
	defer func() { _ = client.Close() }()

	client.OnLine(func(event chatclient.LineReceivedEvent) {
		out.println(event.Line)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assigned, err := client.Connect(ctx, nickname)
	if err != nil {
		if errors.Is(err, chatclient.ErrProtocolMismatch) {
			return fmt.Errorf("[오류] 서버 프로토콜 불일치: %w", err)
		}
		return err
	}

	out.println("[안내] 접속 닉네임: " + assigned)
	out.println(guidance)

	sent := make(chan error, 1)
	go func() {
		sent <- client.RunTransmit(input)
	}()

	select {
	case err := <-sent:
		if err != nil {
			return err
		}
		return waitDone(ctx, client)
	case <-client.Done():
		return nil
	case <-ctx.Done():
		_ = client.Disconnect()
		<-client.Done()
		return nil
	}
}

// waitDone blocks until the server has answered the quit marker.
func waitDone(ctx context.Context, client *chatclient.Client) error {
	select {
	case <-client.Done():
	case <-ctx.Done():
		_ = client.Disconnect()
		<-client.Done()
	}
	return nil
}

// promptNickname reads lines until a non-blank nickname is entered. The
// prompt is only shown on an interactive terminal.
func promptNickname(r *bufio.Reader, out *printer, interactive bool) (string, error) {
	for {
		if interactive {
			out.print("닉네임을 입력하세요: ")
		}

		line, err := r.ReadString('\n')
		if nick := strings.TrimSpace(line); nick != "" {
			return nick, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("nickname required")
			}
			return "", err
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printer serialises output from the receive goroutine and the main
// goroutine.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, line)
}

func (p *printer) print(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprint(p.w, text)
}
