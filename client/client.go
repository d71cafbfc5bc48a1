package main

import (
	"bufio"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nzlov/relay/envelope"
	"github.com/nzlov/relay/message"
)

var (
	addr      = flag.String("addr", "localhost:8080", "websocket service address")
	adminAddr = flag.String("admin", "http://127.0.0.1:8081", "admin service url")
	user      = flag.String("user", "", "user")
	channels  = flag.String("channels", "", "channels to join. ex: \"general,random\"")
	channel   = flag.String("channel", "", "channel stdin lines are posted to (default first of -channels)")
	history   = flag.Bool("history", false, "print the history of -channel and exit")
	after     = flag.Uint64("after", 0, "history: only messages after this id")
	limit     = flag.Int("limit", 100, "history: max messages")
	msg       = flag.String("msg", "", "post msg to -channel as -user through the admin service and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(0)

	joined := splitChannels(*channels)
	if *channel == "" && len(joined) > 0 {
		*channel = joined[0]
	}

	switch {
	case *history:
		if *channel == "" {
			log.Fatalln("no channel")
		}
		ms, err := History(*adminAddr, *channel, *after, *limit)
		if err != nil {
			log.Fatal("history:", err)
		}
		for _, m := range ms {
			log.Printf("[%s #%s] %s: %s", m.ChannelID, m.MessageID, m.UserID, m.Content)
		}
		return
	case *msg != "":
		if *user == "" || *channel == "" {
			log.Fatalln("no user or no channel")
		}
		id, err := Post(*adminAddr, *channel, *user, *msg)
		if err != nil {
			log.Fatal("post:", err)
		}
		log.Println("posted:", id)
		return
	}

	if *user == "" || len(joined) == 0 {
		log.Fatalln("no user or no channels")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws", RawQuery: url.Values{"user": {*user}}.Encode()}
	log.Printf("connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	if err := c.WriteMessage(websocket.TextMessage, envelope.MustEncode(envelope.Connect{
		Config: envelope.ConnectConfig{Channels: joined},
	})); err != nil {
		log.Fatal("connect:", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			printFrame(data)
		}
	}()

	lines := make(chan string)
	go func() {
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			lines <- s.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			frame := envelope.MustEncode(envelope.Chat{Message: message.Message{ChannelID: *channel, Content: line}})
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Println("write:", err)
				return
			}
		case <-interrupt:
			log.Println("interrupt")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}

func splitChannels(s string) []string {
	out := []string{}
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func printFrame(data []byte) {
	e, err := envelope.Decode(data)
	if err != nil {
		log.Printf("recv: %s", data)
		return
	}
	switch v := e.(type) {
	case envelope.Connected:
		log.Printf("connected as %s to %v", v.UserID, v.Channels)
	case envelope.Chat:
		m := v.Message
		log.Printf("[%s #%s] %s: %s", m.ChannelID, m.MessageID, m.UserID, m.Content)
	case envelope.Error:
		log.Printf("error: %s %s", v.Message, v.Details)
	default:
		log.Printf("recv: %s", data)
	}
}
