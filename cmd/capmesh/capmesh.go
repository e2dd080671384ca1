// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program capmesh is a command-line utility for running and interacting with
// capmesh services.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/caps"
	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var encodeFlags struct {
	Kind       string `flag:"kind,Envelope kind (Invocation, Response, Error, Event, Status)"`
	Invocation string `flag:"id,Invocation ID"`
	Domain     string `flag:"domain,Error domain"`
	Code       int    `flag:"code,Error code"`
	Message    string `flag:"message,Error message"`
}

var serveFlags struct {
	Listen string  `flag:"listen,Accept TCP connections at this address instead of using NATS"`
	Volume float64 `flag:"volume,Initial volume of the local player (0..1)"`
	Level  float64 `flag:"battery,Battery level reported by the local battery (0..100)"`
}

var clientFlags struct {
	Dial string `flag:"dial,Connect to a TCP server at this address instead of using NATS"`
}

func init() {
	encodeFlags.Kind = "Invocation"
	serveFlags.Volume = 0.5
	serveFlags.Level = 100
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for running and interacting with capmesh services.

Commands that join the mesh read their settings from the environment:

  CAPMESH_NATS_URL            : NATS server URL
  CAPMESH_PEER                : local peer ID
  CAPMESH_SERVICE             : local service ID (default "main")
  CAPMESH_INVOCATION_TIMEOUT  : invocation deadline (default 30s)
  CAPMESH_ROSTER_FILE         : YAML roster of peer capabilities
  CAPMESH_LOG_LEVEL           : debug, info, warn, or error (default info)`,
		Commands: []*command.C{
			{
				Name:  "encode",
				Usage: "[capability aspect [value]]",
				Help: `Encode an envelope in wire format.

The value is a literal in the JSON-like notation of the envelope package,
for example {"volume":0.5}. For a Response it is the result, and for a
Status it is the condition.`,
				SetFlags: command.Flags(flax.MustBind, &encodeFlags),
				Run:      runEncode,
			},
			{
				Name:  "decode",
				Usage: "[file]",
				Help:  "Decode an envelope in wire format and print a summary.\nWith no file, read from stdin.",
				Run:   runDecode,
			},
			{
				Name: "caps",
				Help: "List the built-in capabilities.",
				Run: func(env *command.Env) error {
					for _, id := range caps.Catalog().IDs() {
						fmt.Println(id)
					}
					return nil
				},
			},
			{
				Name: "serve",
				Help: `Run a service exposing a player and a battery.

By default the service joins the NATS mesh given by CAPMESH_NATS_URL. With
-listen, it accepts TCP connections instead, serving one engine per
connection.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<peer/service> <capability> <aspect> [value]",
				Help:     "Invoke a method of a remote capability and print the result.",
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runCall,
			},
			{
				Name:     "watch",
				Usage:    "<peer/service> <capability>",
				Help:     "Bind a proxy for a remote capability and print its properties and events.",
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runWatch,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runEncode(env *command.Env) error {
	kind, ok := envelope.ParseKind(encodeFlags.Kind)
	if !ok {
		return env.Usagef("unknown envelope kind %q", encodeFlags.Kind)
	}
	var val envelope.Value
	if len(env.Args) > 2 {
		v, err := envelope.ParseLiteral(strings.Join(env.Args[2:], " "))
		if err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
		val = v
	}
	out := &envelope.Envelope{
		Kind:       kind,
		Invocation: encodeFlags.Invocation,
		Domain:     encodeFlags.Domain,
		Code:       encodeFlags.Code,
		Message:    encodeFlags.Message,
	}
	switch kind {
	case envelope.Invocation, envelope.Event, envelope.Status:
		if len(env.Args) < 2 {
			return env.Usagef("missing capability and aspect")
		}
		out.Capability, out.Aspect = env.Args[0], env.Args[1]
		if kind == envelope.Status {
			out.Condition = val
		} else {
			out.Arguments = val
		}
	case envelope.Response:
		if len(env.Args) != 0 {
			v, err := envelope.ParseLiteral(strings.Join(env.Args, " "))
			if err != nil {
				return fmt.Errorf("invalid value: %w", err)
			}
			out.Response = v
		}
	}
	if (kind == envelope.Invocation || kind == envelope.Response || kind == envelope.Error) && out.Invocation == "" {
		return env.Usagef("a %v requires an -id", kind)
	}
	text, err := out.MarshalText()
	if err != nil {
		return err
	}
	fmt.Println(string(text))
	return nil
}

func runDecode(env *command.Env) error {
	var r io.Reader = os.Stdin
	if len(env.Args) > 1 {
		return env.Usagef("extra arguments: %q", env.Args[1:])
	} else if len(env.Args) == 1 {
		f, err := os.Open(env.Args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	text, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return err
	}
	e, err := envelope.Decode([]byte(strings.TrimSpace(string(text))))
	if err != nil {
		return err
	}
	fmt.Println(e)
	for _, c := range e.Children {
		fmt.Printf("  child %s %v\n", c.Name, c.Attrs)
	}
	return nil
}

// parseAddress parses an address of the form "peer/service".
func parseAddress(s string) (capmesh.Address, error) {
	peer, service, ok := strings.Cut(s, "/")
	if !ok || peer == "" || service == "" {
		return capmesh.Address{}, fmt.Errorf("invalid address %q (want peer/service)", s)
	}
	return capmesh.Address{Peer: peer, Service: service}, nil
}

// signalContext returns a context that ends when the process is interrupted.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func treatCanceledAsSuccess(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
