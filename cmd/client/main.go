// Command client is a minimal line-oriented harness for pkg/client: it
// exercises the session driver (connect, login, send, receive) without
// any rendering, since presentation is explicitly external to this
// repo. Read commands on stdin, one per line, and print received
// packets on stdout.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/synacgo/synac/pkg/client"
	"github.com/synacgo/synac/pkg/protocol"
)

var Version = "dev"

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "synac-client.sqlite"
	}
	return filepath.Join(home, ".local", "share", "synac", "state.db")
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime)

	addr := flag.String("server", "", "server address (host:port)")
	name := flag.String("name", "", "login name")
	password := flag.String("password", "", "login password (used on first contact or token refresh)")
	bot := flag.Bool("bot", false, "authenticate as a bot account")
	statePath := flag.String("state", defaultStatePath(), "path to client state database")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("synac client %s\n", Version)
		os.Exit(0)
	}
	if *addr == "" || *name == "" {
		log.Fatal("usage: client -server host:port -name NAME [-password PASS] [-bot]")
	}

	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("open state: %v", err)
	}
	defer state.Close()

	rec, err := state.GetServer(*addr)
	if err != nil {
		log.Fatalf("load server record: %v", err)
	}

	sess, err := client.Dial(*addr, rec.PinnedKey, func(fingerprint string) {
		log.Printf("trusting new server fingerprint %s for %s", fingerprint, *addr)
		if err := state.SetPinnedKey(*addr, fingerprint); err != nil {
			log.Printf("persist pinned key: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("connect to %s: %v", *addr, err)
	}
	defer sess.Close()

	res, err := client.Login(sess, *name, *bot, rec.Token, *password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	if err := state.SetToken(*addr, res.Token); err != nil {
		log.Printf("persist token: %v", err)
	}
	log.Printf("logged in as %s (id %d, new account: %v)", *name, res.ID, res.Created)

	go printIncoming(sess)
	go printErrors(sess)

	readCommands(sess)
}

func printIncoming(sess *client.Session) {
	for p := range sess.Incoming() {
		fmt.Printf("<< %s %+v\n", p.Type(), p)
	}
}

func printErrors(sess *client.Session) {
	for err := range sess.Errors() {
		fmt.Fprintf(os.Stderr, "!! %v\n", err)
	}
}

// readCommands implements a tiny REPL: "join N" selects channel N, and
// any other non-empty line is sent as a MessageCreate to the selected
// channel (channel 0 until a "join"). "quit" exits.
func readCommands(sess *client.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	var channel uint64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "quit":
			return
		case strings.HasPrefix(line, "join "):
			fmt.Sscanf(strings.TrimPrefix(line, "join "), "%d", &channel)
		case line == "":
			continue
		default:
			if err := sess.Send(protocol.MessageCreate{Channel: channel, Text: []byte(line)}); err != nil {
				fmt.Fprintf(os.Stderr, "!! send failed: %v\n", err)
			}
		}
	}
}
