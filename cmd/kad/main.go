// Command kad runs a single DHT node with an interactive console.
//
// Usage:
//
//	kad -owner alice -id <40-hex or name> -port 7529
//	kad -owner bob -port 7532 -bootstrap 127.0.0.1:7529:<40-hex>
//
// The console accepts:
//
//	put <key> <value>   publish a value under a key
//	get <key>           look a key up in the overlay
//	refresh             re-walk every bucket and re-publish content
//	exit                shut the node down
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kademlia"
	"github.com/opd-ai/kademlia/dht"
)

type cliConfig struct {
	owner     string
	id        string
	port      uint
	bootstrap string
	logLevel  string
	save      bool
	load      bool
}

func parseFlags() *cliConfig {
	config := &cliConfig{}
	flag.StringVar(&config.owner, "owner", "", "Owner name the node runs under (required)")
	flag.StringVar(&config.id, "id", "", "Node identifier: 40 hex characters or any name to hash (default: random)")
	flag.UintVar(&config.port, "port", 0, "UDP port to bind (default: ephemeral)")
	flag.StringVar(&config.bootstrap, "bootstrap", "", "Bootstrap peer as ip:port:id")
	flag.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&config.save, "save", true, "Save node state on shutdown")
	flag.BoolVar(&config.load, "load", false, "Restore node state from the owner's snapshot")
	flag.Parse()
	return config
}

func main() {
	config := parseFlags()
	if config.owner == "" {
		fmt.Fprintln(os.Stderr, "kad: -owner is required")
		flag.Usage()
		os.Exit(2)
	}

	level, err := logrus.ParseLevel(config.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kad: bad log level %q\n", config.logLevel)
		os.Exit(2)
	}
	logrus.SetLevel(level)

	node, err := startNode(config)
	if err != nil {
		logrus.WithError(err).Fatal("starting node")
	}

	if config.bootstrap != "" {
		ip, port, id, err := parseBootstrap(config.bootstrap)
		if err != nil {
			logrus.WithError(err).Fatal("parsing -bootstrap")
		}
		if err := node.Bootstrap(ip, port, id); err != nil {
			logrus.WithError(err).Error("bootstrap failed")
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println()
		shutdown(node)
	}()

	console(node, config.owner)
	shutdown(node)
}

func startNode(config *cliConfig) (*kademlia.Node, error) {
	options := kademlia.NewOptions()
	options.OwnerID = config.owner
	options.Port = uint16(config.port)
	options.SaveStateOnShutdown = config.save
	if config.id != "" {
		options.LocalID = dht.NewIDFromString(config.id)
	}

	if config.load {
		return kademlia.Load(config.owner, options)
	}
	return kademlia.New(options)
}

// parseBootstrap splits an ip:port:id triple.
func parseBootstrap(s string) (string, uint16, dht.ID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return "", 0, dht.ID{}, fmt.Errorf("want ip:port:id, got %q", s)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return "", 0, dht.ID{}, fmt.Errorf("bad port %q: %w", parts[1], err)
	}
	id, err := dht.NewIDFromHex(parts[2])
	if err != nil {
		return "", 0, dht.ID{}, err
	}
	return parts[0], uint16(port), id, nil
}

// console reads commands until exit or EOF.
func console(node *kademlia.Node, owner string) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("node %s ready on %s\n", node.LocalContact().ID, node.LocalContact().Addr())

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "put":
			if len(fields) < 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			content := dht.Content{
				Key:   dht.NewIDFromString(fields[1]),
				Owner: owner,
				Value: []byte(strings.Join(fields[2:], " ")),
			}
			acks, err := node.Put(content)
			if err != nil {
				fmt.Printf("put failed: %v\n", err)
				continue
			}
			fmt.Printf("stored on %d node(s)\n", acks)

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			results, err := node.Get(dht.GetParameter{Key: dht.NewIDFromString(fields[1])}, 1)
			if err != nil {
				fmt.Printf("get failed: %v\n", err)
				continue
			}
			for _, c := range results {
				fmt.Printf("%s (owner %q): %s\n", c.Key, c.Owner, c.Value)
			}

		case "refresh":
			if err := node.Refresh(); err != nil {
				fmt.Printf("refresh failed: %v\n", err)
			}

		case "exit", "quit":
			return

		default:
			fmt.Println("commands: put, get, refresh, exit")
		}
	}
}

func shutdown(node *kademlia.Node) {
	if err := node.Kill(); err != nil {
		logrus.WithError(err).Error("shutdown")
	}
	os.Exit(0)
}
