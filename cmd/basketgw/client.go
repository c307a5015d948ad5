package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/basketmesh/basketmesh/internal/config"
	"github.com/basketmesh/basketmesh/internal/gateway"
)

const clientTimeout = 10 * time.Second

// dialable turns a listen address into one a local client can connect to.
func dialable(host string, port int) string {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// consoleAddr resolves the --addr flag, falling back to the configured console.
func consoleAddr(cmd *cobra.Command) (string, error) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return addr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return dialable(cfg.Gateway.Listen, cfg.Gateway.ConsolePort), nil
}

func withConsole(cmd *cobra.Command, fn func(*gateway.ConsoleClient) error) error {
	addr, err := consoleAddr(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()

	client, err := gateway.DialConsole(ctx, addr, clientTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() { _ = client.Close() }()
	return fn(client)
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache statistics",
		Long: `Show cache statistics from a running gateway's console.

Reading CACHE_COUNT_CLEAR resets the request and hit counters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, func(c *gateway.ConsoleClient) error {
				status, err := c.Status()
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "console address (default from config)")
	return cmd
}

func printStatus(w io.Writer, status map[string]uint64) {
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%-20s %d\n", name, status[name])
	}
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump [peer...]",
		Short: "List cached basket locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, func(c *gateway.ConsoleClient) error {
				return c.Dump(cmd.OutOrStdout(), args...)
			})
		},
	}
	cmd.Flags().String("addr", "", "console address (default from config)")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <peer>...",
		Short: "Erase every cached location of the given peers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, func(c *gateway.ConsoleClient) error {
				purged, err := c.Purge(args...)
				if err != nil {
					return err
				}
				for _, peer := range args {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries purged\n", peer, purged[peer])
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "console address (default from config)")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [peer...]",
		Short: "Download a compressed dump from the admin API",
		Long: `Download a zstd compressed dump from a running gateway's admin API.

The file can be loaded into another gateway with: basketgw serve --import <file>`,
		RunE: runExport,
	}
	cmd.Flags().String("admin", "", "admin address (default from config)")
	cmd.Flags().String("token", "", "admin bearer token (default from config)")
	cmd.Flags().StringP("output", "o", "baskets.zst", "output file")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	adminAddr, _ := cmd.Flags().GetString("admin")
	token, _ := cmd.Flags().GetString("token")
	output, _ := cmd.Flags().GetString("output")

	if adminAddr == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if adminAddr == "" {
			adminAddr = adminDialable(cfg.Admin)
		}
		if token == "" {
			token = cfg.Admin.Token
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+adminAddr+"/api/v1/export", nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for _, peer := range args {
		q.Add("peer", peer)
	}
	req.URL.RawQuery = q.Encode()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("export: %s: %s", resp.Status, body)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, n)
	return nil
}

func adminDialable(ac config.AdminConfig) string {
	host, port, err := net.SplitHostPort(ac.Listen)
	if err != nil {
		return ac.Listen
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return ac.Listen
	}
	return dialable(host, p)
}
