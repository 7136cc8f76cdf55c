// ABOUTME: CLI help text for the relay gateway.
// ABOUTME: Printed on -help and on flag parse errors.
package main

import (
	"fmt"
	"io"
)

func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "relay %s — AI request routing gateway\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  relay -config relay.yaml              Serve with the given configuration")
	fmt.Fprintln(w, "  relay -config relay.yaml -validate    Check configuration and assembly, then exit")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>       Service configuration YAML (default: relay.yaml)")
	fmt.Fprintln(w, "  -table <path>        Assembly table path (overrides assembly.tablePath)")
	fmt.Fprintln(w, "  -log-level <level>   Override logging.level: debug, info, warn, error")
	fmt.Fprintln(w, "  -validate            Validate configuration and assembly, then exit")
	fmt.Fprintln(w, "  -version             Print version and exit")
	fmt.Fprintln(w, "  -help                Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Exit codes:")
	fmt.Fprintln(w, "  0    success")
	fmt.Fprintln(w, "  2    configuration error")
	fmt.Fprintln(w, "  3    assembly error")
	fmt.Fprintln(w, "  4    bind error")
	fmt.Fprintln(w, "  130  terminated by SIGINT")
	fmt.Fprintln(w, "  143  terminated by SIGTERM")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  relay -config /etc/relay/relay.yaml")
	fmt.Fprintln(w, "  relay -config relay.yaml -table assembly.json -validate")
	fmt.Fprintln(w, "  relay -log-level debug")
}
