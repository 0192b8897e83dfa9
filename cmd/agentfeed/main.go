package main

import (
	"fmt"
	"os"
)

const usageText = `agentfeed follows an agent server session in the terminal.

Usage:
  agentfeed <command> [flags]

Commands:
  watch      open the interactive session view
  tail       print timeline messages as they arrive
  sessions   list sessions on the server
  config     print configuration (effective or defaults)
  version    print the build version
  help       show help

Common flags:
  --url URL            agent server base url (default from config)
  --metrics-addr ADDR  serve Prometheus metrics on ADDR

Examples:
  agentfeed sessions --url http://127.0.0.1:4096
  agentfeed watch ses_123
  agentfeed tail --json ses_123
  agentfeed config --defaults
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	wiring := defaultCommandWiring(os.Stdout, os.Stderr)
	commands := buildCommands(wiring)

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	case "version", "--version":
		fmt.Fprintln(os.Stdout, wiring.version)
		return
	}

	runner, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
	exitOnErr(args[0], runner.Run(args[1:]), wiring.stderr)
}
