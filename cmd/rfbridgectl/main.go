// Command rfbridgectl is a small CLI for talking to a running
// rfbridged over its client TCP port (spec §6), grounded on the
// teacher's cmd/js8ctl/main.go flag/subcommand shape.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/n0call/rfbridged/pkg/client"
)

var (
	addr = flag.String("addr", "127.0.0.1:5001", "rfbridged client TCP address")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		showHelp()
		os.Exit(1)
	}

	c := client.New(*addr)

	switch args[0] {
	case "config":
		cfg, err := c.RequestConfig()
		if err != nil {
			fail(err)
		}
		var pretty interface{}
		if json.Unmarshal(cfg, &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(cfg))
		}
	case "send":
		runSend(c, args[1:])
	default:
		showHelp()
		os.Exit(1)
	}
}

// runSend parses "rfbridgectl send <location> <device> <state>
// [key=value ...]" into a client.SendCode.
func runSend(c *client.Client, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: rfbridgectl send <location> <device> <state> [key=value ...]")
		os.Exit(1)
	}

	code := client.SendCode{
		Location: args[0],
		Device:   args[1],
		State:    args[2],
		Values:   map[string]interface{}{},
	}
	for _, kv := range args[3:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		code.Values[parts[0]] = parts[1]
	}

	if err := c.Send(code); err != nil {
		fail(err)
	}
	fmt.Println("send request submitted")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func showHelp() {
	fmt.Println(`rfbridgectl - control a running rfbridged daemon

Usage:
  rfbridgectl -addr <host:port> config
  rfbridgectl -addr <host:port> send <location> <device> <state> [key=value ...]

Commands:
  config    request and print the daemon's current config snapshot
  send      send a command to a configured device`)
}
