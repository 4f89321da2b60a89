// Command deepinfra-proxy serves an OpenAI-compatible chat completions
// endpoint in front of DeepInfra, with retries across mirror endpoints and
// reasoning output folded into <think> blocks.
//
// Usage:
//
//	deepinfra-proxy --config config.yaml
//	deepinfra-proxy --port 8080 --mode fast
//	deepinfra-proxy version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
