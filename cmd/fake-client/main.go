// ABOUTME: Minimal fake automation client for end-to-end testing over the websocket gateway
// ABOUTME: Usage: fake-client [-url ws://127.0.0.1:6789/] [-name red] [-key s3cret]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/flowlink/internal/auth"
	"github.com/2389/flowlink/internal/bus"
	"github.com/2389/flowlink/internal/coordinator"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:6789/", "gateway websocket URL")
	name := flag.String("name", "red", "credential name")
	key := flag.String("key", "", "credential key")
	token := flag.String("token", "", "bearer token (overrides -name/-key)")
	platform := flag.String("platform", "fake-client", "platform header value")
	query := flag.String("query", "", "send this utterance as a query after connecting")
	flag.Parse()

	if err := run(*url, *name, *key, *token, *platform, *query); err != nil {
		log.Fatal(err)
	}
}

func run(url, name, key, token, platform, query string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	header := http.Header{}
	header.Set("Platform", platform)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	} else {
		header.Set("Authorization", auth.BasicAuthHeader(name, key))
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.CloseNow()
	fmt.Fprintf(os.Stderr, "connected to %s (server: %s)\n", url, resp.Header.Get("source"))

	// Offer to answer fallback asks
	if err := send(ctx, conn, bus.New(bus.TypeHandlerRegister, map[string]any{"role": coordinator.RoleFallback}, nil)); err != nil {
		return fmt.Errorf("failed to register handler: %w", err)
	}

	if query != "" {
		if err := send(ctx, conn, bus.New("query", map[string]any{"utterances": []string{query}}, nil)); err != nil {
			return fmt.Errorf("failed to send query: %w", err)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				return nil // graceful shutdown
			}
			if status := websocket.CloseStatus(err); status != -1 {
				var ce websocket.CloseError
				errors.As(err, &ce)
				fmt.Fprintf(os.Stderr, "closed by server: %d %s\n", status, ce.Reason)
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		msg, err := bus.Decode(data)
		if err != nil {
			log.Printf("undecodable frame: %v", err)
			continue
		}

		switch msg.Type {
		case bus.TypeAsk, bus.TypeConverse:
			reply := respond(msg)
			log.Printf("received %s [%s]: %q -> %s", msg.Type, msg.ContextString(bus.CtxRequestID), utterance(msg), reply.Type)
			if err := send(ctx, conn, reply); err != nil {
				log.Printf("send error: %v", err)
			}
		case bus.TypeSpeak:
			log.Printf("assistant says: %s", msg.DataString("utterance"))
		default:
			log.Printf("received %s", msg.Type)
		}
	}
}

// respond answers an ask, or reports an intent failure when the utterance
// mentions "fail". The request id is echoed so the gateway can match it.
func respond(ask bus.Message) bus.Message {
	replyCtx := map[string]any{bus.CtxRequestID: ask.ContextString(bus.CtxRequestID)}
	u := utterance(ask)
	if strings.Contains(strings.ToLower(u), "fail") {
		return bus.New(bus.TypeIntentFailure, map[string]any{"utterance": u}, replyCtx)
	}
	return bus.New("answer", map[string]any{"utterance": fmt.Sprintf("Echo: %s", u)}, replyCtx)
}

func utterance(msg bus.Message) string {
	if u := msg.DataString("utterance"); u != "" {
		return u
	}
	if list, ok := msg.Data["utterances"].([]any); ok && len(list) > 0 {
		if s, ok := list[0].(string); ok {
			return s
		}
	}
	return ""
}

func send(ctx context.Context, conn *websocket.Conn, msg bus.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
