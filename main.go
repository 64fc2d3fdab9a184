package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"jim/config"
	"jim/db"
	"jim/logging"
	"jim/server"
)

const controlSocketPath = "/tmp/jim.sock"

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()

	directory, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open account directory", zap.Error(err))
	}
	defer directory.Close()

	srv := server.New(directory, &server.Config{
		Addr:         cfg.Addr,
		Port:         cfg.Port,
		PollInterval: time.Duration(cfg.PollMillis) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}, logger)

	if err := srv.Listen(); err != nil {
		logger.Fatal("failed to bind listen socket", zap.Error(err))
	}

	// Administrative collaborator: account management over a unix socket.
	go startControlSocket(srv, directory, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", zap.String("signal", sig.String()))
		srv.Shutdown()
		os.Remove(controlSocketPath)
	}()

	if err := srv.Run(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func startControlSocket(srv *server.Server, directory *db.Directory, logger *zap.Logger) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		logger.Warn("failed to create control socket", zap.Error(err))
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	logger.Info("control socket listening", zap.String("path", controlSocketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, directory, conn)
	}
}

// Commands: reg|name|password, del|name, refresh, stats, sessions,
// history|name, traffic, shutdown.
func handleControlCommand(srv *server.Server, directory *db.Directory, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	switch parts[0] {
	case "reg":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			fmt.Fprintln(conn, "ERROR|Usage: reg|name|password")
			return
		}
		if err := srv.RegisterAccount(parts[1], parts[2]); err != nil {
			fmt.Fprintf(conn, "ERROR|%v\n", err)
			return
		}
		fmt.Fprintln(conn, "OK|Account created")

	case "del":
		if len(parts) < 2 || parts[1] == "" {
			fmt.Fprintln(conn, "ERROR|Usage: del|name")
			return
		}
		if err := srv.RemoveAccount(parts[1]); err != nil {
			fmt.Fprintf(conn, "ERROR|%v\n", err)
			return
		}
		fmt.Fprintln(conn, "OK|Account removed")

	case "refresh":
		srv.BroadcastInvalidate()
		fmt.Fprintln(conn, "OK|Clients notified")

	case "stats":
		fmt.Fprintf(conn, "OK|%s\n", srv.Stats())

	case "sessions":
		var items []string
		for _, s := range srv.ActiveSessions() {
			items = append(items, s.Account+"="+s.IP+":"+strconv.Itoa(s.Port))
		}
		fmt.Fprintf(conn, "OK|%s\n", strings.Join(items, ";"))

	case "history":
		name := ""
		if len(parts) > 1 {
			name = parts[1]
		}
		records, err := directory.LoginHistory(name)
		if err != nil {
			fmt.Fprintf(conn, "ERROR|%v\n", err)
			return
		}
		var items []string
		for _, r := range records {
			items = append(items, fmt.Sprintf("%s=%s:%d@%s",
				r.Account, r.IP, r.Port, r.Timestamp.Format(time.RFC3339)))
		}
		fmt.Fprintf(conn, "OK|%s\n", strings.Join(items, ";"))

	case "traffic":
		stats, err := directory.TrafficReport()
		if err != nil {
			fmt.Fprintf(conn, "ERROR|%v\n", err)
			return
		}
		var items []string
		for _, s := range stats {
			items = append(items, fmt.Sprintf("%s=sent:%d,accepted:%d", s.Account, s.Sent, s.Accepted))
		}
		fmt.Fprintf(conn, "OK|%s\n", strings.Join(items, ";"))

	case "shutdown":
		fmt.Fprintln(conn, "OK|Shutting down")
		conn.Close()
		srv.Shutdown()
		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		fmt.Fprintln(conn, "ERROR|Unknown command")
	}
}
