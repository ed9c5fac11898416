package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"fieldchat/internal/chat"
	"fieldchat/internal/config"
	"fieldchat/internal/protocol"
	"fieldchat/internal/roster"
	"fieldchat/internal/store"
	"fieldchat/internal/transport"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.Default()

	cache, err := store.Open(cfg.CacheFile)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	conn := transport.NewConn(transport.Config{
		URL:               cfg.Endpoint,
		Token:             cfg.Token,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		Log:               log,
	})
	monitor := transport.NewMonitor(conn)

	// Last known rooms render before the socket is even dialed.
	if cached, err := cache.Rooms(); err == nil && len(cached) > 0 {
		fmt.Println("Чаты (из кэша):")
		printRooms(cached)
	}

	var rooms *roster.Roster
	rooms = roster.New(roster.Config{Conn: conn, Log: log, OnChange: func() {
		list, _, _ := rooms.Snapshot()
		if len(list) == 0 {
			return
		}
		if err := cache.SaveRooms(list); err != nil {
			log.Warn("cache rooms", "error", err)
		}
	}})
	rooms.Open()
	defer rooms.Close()

	if err := monitor.Start(ctx); err != nil {
		return err
	}

	app := &app{
		cfg:     cfg,
		log:     log,
		cache:   cache,
		conn:    conn,
		monitor: monitor,
		rooms:   rooms,
	}
	defer app.closeSession()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	g.Go(func() error {
		return app.repl(gctx)
	})

	return g.Wait()
}

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	cache   *store.Cache
	conn    *transport.Conn
	monitor *transport.Monitor
	rooms   *roster.Roster

	// mu guards the active-session fields. render runs on connection
	// goroutines while the REPL goroutine swaps sessions.
	mu       sync.Mutex
	session  *chat.Session
	roomID   string
	rendered int
}

func (a *app) repl(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("Команды: /rooms /join <id> /more /file <path> /retry /quit")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := a.handle(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Println(err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func (a *app) handle(line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil

	case line == "/quit":
		return errQuit

	case line == "/rooms":
		rooms, loading, errMsg := a.rooms.Snapshot()
		if errMsg != "" {
			fmt.Println(errMsg)
		}
		if loading {
			fmt.Println("Загрузка...")
		}
		printRooms(rooms)
		return nil

	case strings.HasPrefix(line, "/join "):
		a.openSession(strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
		return nil

	case line == "/more":
		s := a.activeSession()
		if s == nil {
			return errors.New("сначала /join <id>")
		}
		s.LoadMoreMessages()
		return nil

	case strings.HasPrefix(line, "/file "):
		s := a.activeSession()
		if s == nil {
			return errors.New("сначала /join <id>")
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		s.SendFile(path, data)
		return nil

	case line == "/retry":
		s := a.activeSession()
		if s == nil {
			return errors.New("сначала /join <id>")
		}
		s.RetryJoin()
		return nil

	default:
		s := a.activeSession()
		if s == nil {
			return errors.New("сначала /join <id>")
		}
		s.StartTyping()
		s.SendMessage(line)
		s.StopTyping()
		return nil
	}
}

func (a *app) activeSession() *chat.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// openSession switches the active room: the old session is torn down in
// full before the new one exists, so nothing carries over. Open runs after
// the fields are published and the lock is released, because it can invoke
// render synchronously.
func (a *app) openSession(roomID string) {
	a.closeSession()

	if cached, err := a.cache.Messages(roomID); err == nil && len(cached) > 0 {
		fmt.Println("Сообщения (из кэша):")
		printMessages(cached, a.cfg.UserID)
	}

	s := chat.NewSession(chat.Config{
		Conn:     a.conn,
		RoomID:   roomID,
		PageSize: a.cfg.PageSize,
		Log:      a.log,
		OnChange: a.render,
	})

	a.mu.Lock()
	a.roomID = roomID
	a.rendered = 0
	a.session = s
	a.mu.Unlock()

	s.Open()
}

func (a *app) closeSession() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// render prints feed growth and persists the tail. It runs on connection
// goroutines; printing is the only UI this demo has. ClearError is called
// outside the lock: it fires this callback again.
func (a *app) render() {
	a.mu.Lock()
	s := a.session
	if s == nil {
		a.mu.Unlock()
		return
	}
	snap := s.Snapshot()

	if snap.Err != "" {
		a.mu.Unlock()
		fmt.Println(snap.Err)
		s.ClearError()
		return
	}

	roomID := a.roomID
	var fresh []protocol.Message
	if len(snap.Messages) > a.rendered {
		fresh = snap.Messages[a.rendered:]
		a.rendered = len(snap.Messages)
	}
	a.mu.Unlock()

	if len(fresh) > 0 {
		printMessages(fresh, a.cfg.UserID)
		if err := a.cache.SaveMessages(roomID, snap.Messages, store.DefaultKeep); err != nil {
			a.log.Warn("cache messages", "error", err)
		}
	}

	if len(snap.TypingUsers) > 0 {
		fmt.Printf("Печатает: %s\n", strings.Join(snap.TypingUsers, ", "))
	}
}

func printRooms(rooms []protocol.Room) {
	for _, r := range rooms {
		unread := ""
		if r.UnreadCount > 0 {
			unread = fmt.Sprintf(" (+%d)", r.UnreadCount)
		}
		fmt.Printf("  [%s] %s%s — %s\n", r.ID, r.Name, unread, r.LastMessageText)
	}
}

func printMessages(msgs []protocol.Message, userID string) {
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		if m.Own(userID) {
			sender = "я"
		}
		fmt.Printf("  %s: %s\n", sender, m.Text)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
