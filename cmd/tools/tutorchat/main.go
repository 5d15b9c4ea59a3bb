package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/chatclient"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/turn"
)

const help = `commands:
  <text>          send typed text
  > <text>        speak a final fragment (needs /voice on)
  ~ <text>        speak an interim fragment
  /voice on|off   start or stop listening
  /objective <t>  set the learning objective
  /mute /unmute /interrupt /snapshot /end`

// lineCapture 把终端输入当作语音识别片段
type lineCapture struct {
	mu     sync.Mutex
	events *turn.CaptureEvents
}

func (c *lineCapture) Start(_ context.Context, _ string, events turn.CaptureEvents) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = &events
	return nil
}

func (c *lineCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *lineCapture) speak(text string, final bool) bool {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return false
	}
	events.Fragment(chat.Utterance{Text: text, IsFinal: final})
	return true
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] .env not loaded: %v", err)
	}

	server := flag.String("server", os.Getenv("TUTOR_SERVER_URL"), "tutor backend base URL; empty uses scripted replies")
	personaID := flag.String("persona", "prof-ada", "persona id")
	objective := flag.String("objective", "", "initial learning objective")
	silence := flag.Duration("silence", turn.DefaultSilenceDelay, "silence before a spoken utterance is submitted")
	flag.Parse()

	personas := persona.NewMemoryStore(persona.Seed())
	p, ok := personas.FindByID(*personaID)
	if !ok {
		log.Fatalf("unknown persona %q", *personaID)
	}

	var client turn.ChatClient = turn.NewScriptedChat(turn.DefaultRuleTable(), 40*time.Millisecond)
	if *server != "" {
		client = chatclient.New(*server, nil)
		log.Printf("streaming replies from %s", *server)
	}

	capture := &lineCapture{}
	ctrl, err := turn.New(turn.Config{
		SessionID:    fmt.Sprintf("cli-%d", time.Now().Unix()),
		Persona:      p.Config(),
		Greeting:     p.OpeningLine,
		Objective:    *objective,
		SilenceDelay: *silence,
	}, turn.Dependencies{
		Chat:     client,
		Capture:  capture,
		Listener: printEvent,
	})
	if err != nil {
		log.Fatalf("create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go ctrl.Run(ctx)

	fmt.Println(help)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctrl.Done():
			return
		case line, ok := <-lines:
			if !ok {
				_ = ctrl.End()
				<-ctrl.Done()
				return
			}
			if err := handleLine(ctrl, capture, strings.TrimSpace(line)); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func handleLine(ctrl *turn.Controller, capture *lineCapture, line string) error {
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, ">"), strings.HasPrefix(line, "~"):
		if !capture.speak(strings.TrimSpace(line[1:]), line[0] == '>') {
			return fmt.Errorf("not listening, use /voice on")
		}
		return nil
	case line == "/voice on":
		return ctrl.StartVoice()
	case line == "/voice off":
		return ctrl.StopVoice()
	case line == "/mute":
		return ctrl.Mute()
	case line == "/unmute":
		return ctrl.Unmute()
	case line == "/interrupt":
		return ctrl.Interrupt()
	case strings.HasPrefix(line, "/objective "):
		return ctrl.SetObjective(strings.TrimPrefix(line, "/objective "))
	case line == "/end":
		return ctrl.End()
	case line == "/snapshot":
		snap, err := ctrl.Snapshot()
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))
		return nil
	case strings.HasPrefix(line, "/"):
		fmt.Println(help)
		return nil
	default:
		return ctrl.SendText(line)
	}
}

func printEvent(ev turn.Event) {
	switch ev.Type {
	case turn.EventPhase:
		fmt.Printf("[%s]\n", ev.Phase)
	case turn.EventPreview:
		if ev.Text != "" {
			fmt.Printf("  … %s\n", ev.Text)
		}
	case turn.EventTurn:
		if ev.Turn != nil && ev.Complete {
			fmt.Printf("%s: %s\n", ev.Turn.Role, ev.Turn.Content)
		} else if ev.Turn != nil {
			fmt.Printf("%s: ", ev.Turn.Role)
		}
	case turn.EventTurnDelta:
		fmt.Print(ev.Delta)
	case turn.EventTurnComplete:
		fmt.Println()
	case turn.EventTurnRemoved:
		fmt.Println("(reply cancelled)")
	case turn.EventSentiment:
		fmt.Printf("  (student seems %s)\n", ev.Sentiment)
	case turn.EventError:
		fmt.Printf("! %s\n", ev.Message)
	case turn.EventEnded:
		fmt.Println("session ended")
	}
}
