package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/busybox42/ringdht/pkg/client"
	"github.com/busybox42/ringdht/pkg/network"
)

const (
	defaultTTL         = time.Hour
	defaultReplication = 2
	requestTimeout     = 15 * time.Second
)

type OperationRecord struct {
	Timestamp time.Time
	Op        string
	Key       string
	Status    string
}

type ringCLI struct {
	client    *client.Client
	api       netip.AddrPort
	p2p       netip.AddrPort
	netConfig *network.Config
	out       io.Writer

	history   []OperationRecord
	historyMu sync.RWMutex
}

func newRingCLI(c *client.Client, api, p2p netip.AddrPort, netConfig *network.Config, out io.Writer) *ringCLI {
	return &ringCLI{
		client:    c,
		api:       api,
		p2p:       p2p,
		netConfig: netConfig,
		out:       out,
		history:   make([]OperationRecord, 0),
	}
}

func (r *ringCLI) addToHistory(op, key, status string) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.history = append(r.history, OperationRecord{
		Timestamp: time.Now(),
		Op:        op,
		Key:       key,
		Status:    status,
	})
}

func (r *ringCLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *ringCLI) put(args []string) {
	if len(args) < 2 {
		r.printf("Usage: put <key> <value> [ttl_seconds] [replication]\n")
		return
	}
	ttl := defaultTTL
	replication := uint8(defaultReplication)
	if len(args) > 2 {
		secs, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			r.printf("Invalid ttl: %v\n", err)
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	if len(args) > 3 {
		n, err := strconv.ParseUint(args[3], 10, 8)
		if err != nil {
			r.printf("Invalid replication: %v\n", err)
			return
		}
		replication = uint8(n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	key := client.ParseKey(args[0])
	if err := r.client.Put(ctx, key, []byte(args[1]), ttl, replication); err != nil {
		r.addToHistory("put", args[0], "failed")
		r.printf("Failed to put: %v\n", err)
		return
	}
	r.addToHistory("put", args[0], "stored")
	r.printf("Stored %s (ttl %s, replication %d)\n", key.String()[:16], ttl, replication)
}

func (r *ringCLI) get(args []string) {
	if len(args) != 1 {
		r.printf("Usage: get <key>\n")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	value, found, err := r.client.Get(ctx, client.ParseKey(args[0]))
	switch {
	case err != nil:
		r.addToHistory("get", args[0], "failed")
		r.printf("Failed to get: %v\n", err)
	case !found:
		r.addToHistory("get", args[0], "missing")
		r.printf("Not found: %s\n", args[0])
	default:
		r.addToHistory("get", args[0], "found")
		r.printf("%s\n", value)
	}
}

func (r *ringCLI) find(args []string) {
	if len(args) != 1 {
		r.printf("Usage: find <key>\n")
		return
	}
	if !r.p2p.IsValid() {
		r.printf("find needs the node's P2P address (--p2p)\n")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	key := client.ParseKey(args[0])
	for i := uint8(0); i < defaultReplication; i++ {
		owner, err := client.FindPeer(ctx, r.netConfig, r.p2p, key.ReplicaIdentifier(i))
		if err != nil {
			r.addToHistory("find", args[0], "failed")
			r.printf("Failed to find replica %d: %v\n", i, err)
			return
		}
		r.printf("Replica %d: %s\n", i, owner)
	}
	r.addToHistory("find", args[0], "found")
}

func (r *ringCLI) showHistory() {
	r.historyMu.RLock()
	defer r.historyMu.RUnlock()

	if len(r.history) == 0 {
		r.printf("No history\n")
		return
	}
	for _, rec := range r.history {
		r.printf("[%s] %s %s (%s)\n", rec.Timestamp.Format("15:04:05"), rec.Op, rec.Key, rec.Status)
	}
}

func (r *ringCLI) help() {
	r.printf("Available commands:\n")
	r.printf("  put <key> <value> [ttl] [repl] - Store a value (ttl in seconds)\n")
	r.printf("  get <key>                      - Fetch a value\n")
	r.printf("  find <key>                     - Show which nodes own the key's replicas\n")
	r.printf("  status                         - Show connection details\n")
	r.printf("  history                        - Show past operations\n")
	r.printf("  help                           - Show this help message\n")
	r.printf("  exit                           - Exit the application\n")
}

// execute runs one input line and reports whether the user asked to quit.
func (r *ringCLI) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command, args := fields[0], fields[1:]

	switch command {
	case "put":
		r.put(args)
	case "get":
		r.get(args)
	case "find":
		r.find(args)
	case "status":
		r.printf("API: %s\n", r.api)
		if r.p2p.IsValid() {
			r.printf("P2P: %s\n", r.p2p)
		}
	case "history":
		r.showHistory()
	case "help":
		r.help()
	case "exit", "quit":
		return true
	default:
		r.printf("Unknown command: %s. Type 'help' for usage.\n", command)
	}
	return false
}

func (r *ringCLI) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		r.printf("ringdht> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if r.execute(scanner.Text()) {
			return nil
		}
	}
}

func parseOptionalAddr(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, nil
	}
	return netip.ParseAddrPort(s)
}

func main() {
	app := cli.NewApp()
	app.Name = "ringdht-cli"
	app.Usage = "interactive client for a ringdht node"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "api, a",
			Usage: "API address of the node",
			Value: "127.0.0.1:7001",
		},
		cli.StringFlag{
			Name:  "p2p, p",
			Usage: "P2P address of the node, used by find",
		},
		cli.StringFlag{
			Name:  "proxy",
			Usage: "SOCKS5 proxy for all connections",
		},
		cli.StringFlag{
			Name:  "log, l",
			Usage: "log level: debug,info,warning,error",
			Value: "warning",
		},
	}

	app.Before = func(c *cli.Context) error {
		lv, err := logrus.ParseLevel(c.String("log"))
		if err != nil {
			return err
		}
		logrus.SetLevel(lv)
		return nil
	}

	app.Action = func(c *cli.Context) error {
		api, err := netip.ParseAddrPort(c.String("api"))
		if err != nil {
			return fmt.Errorf("invalid --api: %w", err)
		}
		p2p, err := parseOptionalAddr(c.String("p2p"))
		if err != nil {
			return fmt.Errorf("invalid --p2p: %w", err)
		}
		netConfig := &network.Config{ProxyAddr: c.String("proxy")}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		conn, err := client.Dial(ctx, api, netConfig)
		if err != nil {
			return err
		}
		defer conn.Close()

		fmt.Printf("Connected to %s\n", api)
		return newRingCLI(conn, api, p2p, netConfig, os.Stdout).run(os.Stdin)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ringdht-cli: %v\n", err)
		os.Exit(1)
	}
}
