// Command calc-client is an interactive calculator client: it sends
// expressions to a server or proxy and prints results with optional
// step-by-step traces.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/calcproxy/calcproxy/pkg/client"
	"github.com/calcproxy/calcproxy/pkg/logging"
)

// Predefined demonstration expressions.
var expressions = []string{
	"(sin(max(2, 3 * 4, 5, 6 * ((7 * 8) / 9), 10 / 11)) / 12) * 13",
	"max(2, 3) + 3",
	"3 + ((4 * 2) / ((1 - 5) ^ (2 ^ 3)))",
	"((1 + 2) ^ (3 * 4)) / (5 * 6)",
	"-(-((1 + (2 + 3)) ^ -(4 + 5)))",
	"max(2, (3 * 4), log(e), (6 * 7), (9 / 8))",
}

func main() {
	host := flag.String("host", getEnv("CALC_HOST", "127.0.0.1"), "host to connect to (server or proxy)")
	port := flag.String("port", getEnv("CALC_PORT", "9999"), "port to connect to")
	steps := flag.Bool("steps", true, "request the step-by-step trace")
	cacheable := flag.Bool("cacheable", true, "permit cached answers")
	maxAge := flag.Uint("max-age", 0, "max acceptable age of a cached answer in seconds, 0 for no constraint")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LevelWarn
	logCfg.Pretty = true
	logging.Setup(logCfg)

	addr := net.JoinHostPort(*host, *port)
	c, err := client.New(client.DefaultConfig(addr))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer c.Close()

	opts := client.EvalOptions{
		ShowSteps:    *steps,
		Cacheable:    *cacheable,
		CacheControl: uint16(*maxAge),
	}

	fmt.Println("Available expressions:")
	for i, expr := range expressions {
		fmt.Printf("%d: %s\n", i+1, expr)
	}
	fmt.Println("Enter a number, a free-form expression, or 'stop' to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "stop") {
			break
		}

		expression := input
		if n, err := strconv.Atoi(input); err == nil {
			if n < 1 || n > len(expressions) {
				fmt.Printf("Choose a number between 1 and %d.\n", len(expressions))
				continue
			}
			expression = expressions[n-1]
		}

		evaluate(c, expression, opts)
	}
	fmt.Println("Bye.")
}

func evaluate(c *client.Client, expression string, opts client.EvalOptions) {
	res, err := c.Evaluate(context.Background(), expression, opts)
	if err != nil {
		var calcErr *client.CalcError
		if errors.As(err, &calcErr) {
			fmt.Printf("Server rejected the request (status %d): %s\n", calcErr.StatusCode, calcErr.Message)
		} else {
			fmt.Println("Request failed:", err)
		}
		return
	}

	fmt.Println("Result:", res.Value)
	if len(res.Steps) > 0 {
		fmt.Println("Steps:")
		for _, step := range res.Steps {
			fmt.Println("  " + step)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
