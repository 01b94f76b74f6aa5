package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MEOFIXBUG/walrus/client"
)

func init() {
	var (
		addr   string
		apiKey string
	)

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive client shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			var c *client.Client
			if apiKey != "" {
				fmt.Printf("connected target: %s (with API key)\n", addr)
				c = client.WithAPIKey(addr, apiKey)
			} else {
				fmt.Printf("connected target: %s\n", addr)
				c = client.New(addr)
			}
			return runShell(c)
		},
	}

	shellCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9091", "client listener address")
	shellCmd.Flags().StringVar(&apiKey, "api-key", "", "API key for authentication")

	rootCmd.AddCommand(shellCmd)
}

func runShell(c *client.Client) error {
	fmt.Println("type commands (REGISTER/PUT/GET/STATE/METRICS/AUTH). 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit", "q":
			return nil
		}
		resp, err := c.SendRaw(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERR %v\n", err)
			continue
		}
		fmt.Println(resp)
	}
}
