package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/services"
	signalinfra "navideo/internal/infrastructure/signal"
	webrtcinfra "navideo/internal/infrastructure/webrtc"
	"navideo/pkg/config"
	"navideo/pkg/logger"
	"navideo/pkg/retry"
	"navideo/pkg/validation"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const leaveTimeout = 5 * time.Second

var (
	flagConfig         string
	flagServer         string
	flagRoom           string
	flagName           string
	flagMedia          []string
	flagScreenDuration time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "navideo-peer",
	Short: "Headless mesh participant for navideo rooms",
	Long: `navideo-peer joins a room on a navideo signaling server and opens a WebRTC
connection to every other participant, sending synthetic audio and video.

Commands read from stdin:
  /mic      toggle the microphone
  /cam      toggle the camera
  /screen   toggle screen sharing
  /status   show local media and connected peers
  /leave    leave the room and exit
Any other line is sent as a chat message.

Examples:
  navideo-peer --room standup --name Alice
  navideo-peer --server ws://signal.example.com/ws --room demo --media audio`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeer(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "configs/config.yaml", "path to the config file")
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "", "signaling server URL (defaults to client.server_url)")
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room to join")
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name")
	rootCmd.Flags().StringSliceVarP(&flagMedia, "media", "m", []string{"audio", "video"}, "devices to start with (audio, video, screen)")
	rootCmd.Flags().DurationVar(&flagScreenDuration, "screen-duration", 0, "end screen sharing on its own after this long")
	_ = rootCmd.MarkFlagRequired("room")
}

func parseMedia(values []string) ([]domain.MediaKind, error) {
	kinds := make([]domain.MediaKind, 0, len(values))
	for _, v := range values {
		kind := domain.MediaKind(strings.ToLower(strings.TrimSpace(v)))
		if kind == "" {
			continue
		}
		valid := false
		for _, k := range domain.MediaKinds {
			if k == kind {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown media kind %q", v)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func runPeer(parent context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if err := validation.ValidateRoomID(flagRoom); err != nil {
		return err
	}
	media, err := parseMedia(flagMedia)
	if err != nil {
		return err
	}
	serverURL := flagServer
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("room_id", flagRoom)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Client.DialAttempts
	conn, err := signalinfra.Dial(ctx, serverURL, retryCfg, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	factory, err := webrtcinfra.NewChannelFactory(webrtcinfra.ConfigFromApp(cfg), log)
	if err != nil {
		return err
	}
	source := webrtcinfra.NewSyntheticSource("", webrtcinfra.CaptureConfig{ScreenDuration: flagScreenDuration}, log)

	client := services.NewMeetingClient(conn, factory, source, services.MeetingConfig{
		Room:             domain.RoomID(flagRoom),
		Name:             flagName,
		InitialMedia:     media,
		MediaWait:        cfg.Client.MediaWaitTimeout,
		AnswerTimeout:    cfg.Client.AnswerTimeout,
		ChatDedupeWindow: cfg.Client.ChatDedupeWindow,
	}, log)
	client.OnMessage = func(m domain.ChatMessage) {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.Sender, m.Text)
	}
	client.OnServerError = func(p domain.ErrorPayload) {
		fmt.Fprintf(os.Stderr, "server error (%s): %s\n", p.Code, p.Message)
	}

	leave := func() error {
		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := client.Leave(leaveCtx); err != nil && !errors.Is(err, signalinfra.ErrClientClosed) {
			return err
		}
		return nil
	}

	if err := client.Join(ctx); err != nil {
		_ = leave()
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, conn.Incoming()) }()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return leave()
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("meeting ended", "error", err)
			}
			fmt.Fprintln(os.Stderr, "disconnected from server")
			return leave()
		case line, ok := <-lines:
			if !ok {
				return leave()
			}
			done, err := handleLine(ctx, client, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if done {
				return leave()
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one stdin line and reports whether the peer should leave.
func handleLine(ctx context.Context, client *services.MeetingClient, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	toggle := func(name string, fn func(context.Context) (bool, error)) error {
		on, err := fn(ctx)
		if err != nil {
			return err
		}
		state := "off"
		if on {
			state = "on"
		}
		fmt.Printf("%s %s\n", name, state)
		return nil
	}

	switch line {
	case "/leave", "/quit":
		return true, nil
	case "/mic":
		return false, toggle("microphone", client.Tracks().ToggleMicrophone)
	case "/cam":
		return false, toggle("camera", client.Tracks().ToggleCamera)
	case "/screen":
		return false, toggle("screen", client.Tracks().ToggleScreenShare)
	case "/status":
		printStatus(client)
		return false, nil
	}
	if strings.HasPrefix(line, "/") {
		return false, fmt.Errorf("unknown command %s", line)
	}

	_, err := client.SendChat(ctx, line)
	if errors.Is(err, domain.ErrEmptyMessage) {
		return false, nil
	}
	return false, err
}

func printStatus(client *services.MeetingClient) {
	status := client.Tracks().Status()
	fmt.Printf("microphone=%t camera=%t screen=%t\n", status.Microphone, status.Camera, status.Screen)

	roster := client.Orchestrator().Roster()
	ids := make([]string, 0, len(roster))
	for id := range roster {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		link, ok := client.Orchestrator().Link(domain.ConnID(id))
		if !ok {
			fmt.Printf("  %s (%s) no link\n", roster[domain.ConnID(id)], id)
			continue
		}
		fmt.Printf("  %s (%s) sending=%v receiving=%d\n",
			roster[domain.ConnID(id)], id, link.SlotKinds(), len(link.RemoteTracks()))
	}
}
