package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalandra/kalandra/clientsm"
	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/kalog"
	"github.com/kalandra/kalandra/internal/transport"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/wire"
)

var (
	serverURL string
	senderId  uint64
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a kalandra-server and start an interactive session",
	RunE:  runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().StringVar(&serverURL, "server", "ws://127.0.0.1:8443", "kalandra-server websocket URL")
	connectCmd.Flags().Uint64Var(&senderId, "sender-id", 0, "this client's stable sender id")
	_ = connectCmd.MarkFlagRequired("sender-id")
}

// session holds the CLI's interactive state.
type session struct {
	conn   *transport.ClientConn
	client *clientsm.Client
	e      env.Environment
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger := kalog.NewDefaultLogger()
	e := env.NewSystem(logger)
	client := clientsm.New(e, clientsm.NewIdentity(senderId))

	s := &session{client: client, e: e}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := transport.Dial(ctx, serverURL, senderId, client, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	s.conn = conn

	conn.OnDeliverMessage = func(m clientsm.DeliverMessage) {
		fmt.Printf("\n[%s] %d: %s\n> ", m.RoomId, m.SenderId, m.Plaintext)
	}
	conn.OnRoomRemoved = func(r clientsm.RoomRemoved) {
		fmt.Printf("\n[%s] removed: %s\n> ", r.RoomId, r.Reason)
	}
	conn.OnLog = func(l clientsm.Log) {
		fmt.Printf("\n# %s\n> ", l.Message)
	}

	fmt.Printf("connected as sender %d. Type 'help' for commands.\n", senderId)
	return s.runLoop()
}

func (s *session) runLoop() error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, rest := fields[0], fields[1:]

		var err error
		switch cmd {
		case "help":
			printHelp()
		case "create":
			err = s.cmdCreate()
		case "send":
			err = s.cmdSend(rest)
		case "keypackage":
			err = s.cmdKeyPackage()
		case "invite":
			err = s.cmdInvite(rest)
		case "leave":
			err = s.cmdLeave(rest)
		case "recv-welcome":
			err = s.cmdRecvWelcome(rest)
		case "quit", "exit":
			return nil
		default:
			fmt.Printf("unknown command %q (try 'help')\n", cmd)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  create                          create a new room, printing its room id
  send <room-id> <text...>        send an app message to a room
  keypackage                      generate and print a key package to share with an inviter
  invite <room-id> <b64-package>  add a member to a room using their key package
  recv-welcome <b64-frame>        process a Welcome frame received out of band
  leave <room-id>                 leave a room
  quit                            exit`)
}

func (s *session) cmdCreate() error {
	roomId := wire.NewRoomId()
	if err := s.conn.Dispatch(clientsm.CreateRoom{RoomId: roomId}); err != nil {
		return err
	}
	fmt.Printf("created room %s\n", roomId)
	return nil
}

func (s *session) cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <room-id> <text...>")
	}
	roomId, err := parseRoomId(args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	return s.conn.Dispatch(clientsm.SendMessage{RoomId: roomId, Plaintext: []byte(text)})
}

func (s *session) cmdKeyPackage() error {
	kp, km, err := refimpl.GenerateKeyPackage(s.e, senderId)
	if err != nil {
		return err
	}
	s.conn.RegisterPendingKeyMaterial(km)
	fmt.Printf("key package (share with whoever is inviting you):\n%s\n",
		base64.StdEncoding.EncodeToString(refimpl.EncodeKeyPackage(kp)))
	return nil
}

func (s *session) cmdInvite(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: invite <room-id> <b64-package>")
	}
	roomId, err := parseRoomId(args[0])
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("decode key package: %w", err)
	}
	return s.conn.Dispatch(clientsm.AddMembers{RoomId: roomId, KeyPackages: [][]byte{raw}})
}

func (s *session) cmdLeave(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: leave <room-id>")
	}
	roomId, err := parseRoomId(args[0])
	if err != nil {
		return err
	}
	return s.conn.Dispatch(clientsm.LeaveRoom{RoomId: roomId})
}

// cmdRecvWelcome processes a Welcome frame (base64 wire.Frame.Encode
// output) that arrived out of band, trying every retained pending
// KeyMaterial until one opens it. The live websocket read loop in
// transport.ClientConn does the same automatically for Welcome frames
// that arrive over the connection itself; this command exists for
// Welcomes relayed through some other side channel.
func (s *session) cmdRecvWelcome(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: recv-welcome <b64-frame>")
	}
	raw, err := base64.StdEncoding.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	frame, err := wire.Decode(raw, wire.DefaultMaxPayload)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if err := s.conn.ProcessFrame(frame); err != nil {
		return err
	}
	fmt.Printf("joined room %s\n", frame.Header.RoomId)
	return nil
}

func parseRoomId(s string) (wire.RoomId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return wire.RoomId{}, fmt.Errorf("invalid room id: %w", err)
	}
	return wire.RoomIdFromUUID(u), nil
}
