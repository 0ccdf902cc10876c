// Command probe queries relays the way a client does: discovery ping, room
// listing, room info and join checks.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Relay/internal/client"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

const usage = `usage: probe [flags] <command> <args>

commands:
  ping host:port         discovery round trip and relay version
  list host:port type    public rooms of an implementation type
  info link              description of a public room
  join link [password]   check that a room admits the caller

flags:
`

func main() {
	timeout := pflag.DurationP("timeout", "t", client.DefaultTimeout, "operation timeout")
	implType := pflag.String("type", "", "implementation type sent with joins")
	stay := pflag.Bool("stay", false, "join: stay in the room and dump received payloads")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	args := pflag.Args()
	if len(args) < 2 {
		pflag.Usage()
		os.Exit(2)
	}

	exec := client.NewSerial()
	defer exec.Close()
	opts := client.Options{Timeout: *timeout}
	pool := client.NewPingerPool(exec, 1, opts)
	defer pool.Stop()

	var err error
	switch args[0] {
	case "ping":
		err = ping(pool, args[1])
	case "list":
		if len(args) < 3 {
			pflag.Usage()
			os.Exit(2)
		}
		err = list(pool, args[1], domain.ImplType(args[2]))
	case "info":
		err = info(pool, args[1])
	case "join":
		password := domain.NoPassword
		if len(args) > 2 {
			password, err = parsePassword(args[2])
		}
		if err == nil && *stay {
			err = stayJoined(args[1], password, domain.ImplType(*implType), exec, opts)
		} else if err == nil {
			err = join(pool, args[1], password, domain.ImplType(*implType))
		}
	default:
		pflag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("probe failed")
		os.Exit(1)
	}
}

// wait adapts a done/fail pair to a blocking call.
func wait[T any](start func(done func(T), fail func(error))) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	start(func(v T) { ch <- outcome{v: v} }, func(err error) { ch <- outcome{err: err} })
	o := <-ch
	return o.v, o.err
}

func splitAddr(s string) (string, int, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q", p)
	}
	return host, port, nil
}

func parsePassword(s string) (domain.Password, error) {
	n, err := strconv.ParseInt(s, 10, 16)
	if err != nil {
		return domain.NoPassword, fmt.Errorf("bad password %q", s)
	}
	return domain.Password(n), nil
}

func ping(pool *client.PingerPool, addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	res, err := wait(func(done func(client.PingResult), fail func(error)) { pool.Ping(host, port, done, fail) })
	if err != nil {
		return err
	}
	fmt.Printf("%s  version %d  rtt %s\n", res.Addr, res.Major, res.RTT.Round(time.Microsecond))
	return nil
}

func list(pool *client.PingerPool, addr string, t domain.ImplType) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	rooms, err := wait(func(done func([]protocol.RoomListEntry), fail func(error)) {
		pool.ListRooms(host, port, t, done, fail)
	})
	if err != nil {
		return err
	}
	for _, r := range rooms {
		link := domain.Link{Host: host, Port: port, RoomID: r.RoomID}
		fmt.Printf("%s  protected=%t  state=%dB\n", link, r.Protected, len(r.State))
	}
	fmt.Printf("%d rooms\n", len(rooms))
	return nil
}

func info(pool *client.PingerPool, s string) error {
	link, err := domain.ParseLink(s)
	if err != nil {
		return err
	}
	ri, err := wait(func(done func(*protocol.RoomInfo), fail func(error)) { pool.Info(link, done, fail) })
	if err != nil {
		return err
	}
	fmt.Printf("%s  type=%q  protected=%t  state=%dB\n", link, ri.Type, ri.Protected, len(ri.State))
	return nil
}

func join(pool *client.PingerPool, s string, password domain.Password, t domain.ImplType) error {
	link, err := domain.ParseLink(s)
	if err != nil {
		return err
	}
	_, err = wait(func(done func(struct{}), fail func(error)) {
		pool.Join(link, password, t, func() { done(struct{}{}) }, fail)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s  admitted\n", link)
	return nil
}

func stayJoined(s string, password domain.Password, t domain.ImplType, exec client.Executor, opts client.Options) error {
	link, err := domain.ParseLink(s)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	peer, err := client.JoinRoom(ctx, link, password, t, exec, client.PeerCallbacks{
		Received: func(b []byte) { fmt.Print(hex.Dump(b)) },
		Text:     func(text string) { fmt.Println("relay:", text) },
		Disconnected: func(reason domain.DcReason) {
			fmt.Println("disconnected:", reason)
		},
	}, opts)
	if err != nil {
		return err
	}
	fmt.Printf("%s  joined, ^C to leave\n", link)
	select {
	case <-ctx.Done():
		peer.Close()
		<-peer.Done()
	case <-peer.Done():
	}
	return nil
}
