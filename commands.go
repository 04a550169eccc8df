package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"uwbgateway/gateway"
	"uwbgateway/register"
	"uwbgateway/registry"
)

func serveCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, state)
		},
	}
}

func runServe(cmd *cobra.Command, state *cliState) error {
	cfg := state.settings.Config
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Gateway ID:      %s\n", cfg.GatewayID)
	fmt.Fprintf(out, "Gateway Name:    %s\n", cfg.GatewayName)
	fmt.Fprintf(out, "Listen Address:  %s\n", cfg.ListenAddress)
	fmt.Fprintf(out, "Browsing:        %s.%s\n", cfg.Discovery.Service, cfg.Discovery.Domain)
	fmt.Fprintf(out, "Config File:     %s\n", state.cfgPath)
	fmt.Fprintf(out, "Data Directory:  %s\n", state.settings.DataDir)

	app := gateway.New(state.settings)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, app.StartTimeout())
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case <-ctx.Done():
	case sig := <-app.Wait():
		exitCode = sig.ExitCode
	}
	fmt.Fprintln(out, "Status:          shutting down")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop gateway: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("gateway stopped with exit code %d", exitCode)
	}
	return nil
}

func diagnoseCmd(state *cliState) *cobra.Command {
	var (
		wait    time.Duration
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Browse for peers once, probe each one and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := state.settings
			if timeout > 0 {
				cfg := *settings.Config
				cfg.Probe.Timeout = timeout
				settings.Config = &cfg
			}

			diagnosis, err := gateway.Diagnose(cmd.Context(), settings, wait)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(diagnosis)
			}
			return printDiagnosis(cmd.OutOrStdout(), diagnosis)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to browse for peers")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-request probe timeout (defaults to probe.timeout)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the diagnosis as JSON")
	return cmd
}

func printDiagnosis(w io.Writer, diagnosis gateway.Diagnosis) error {
	if len(diagnosis.Peers) == 0 {
		fmt.Fprintln(w, "No peers discovered.")
		fmt.Fprintln(w, "Check that the app is running on the same network and that mDNS is not blocked.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tEMAIL\tIPV4\tIPV6\tPORT\tSTATUS\tDETAIL")
	for _, peer := range diagnosis.Peers {
		detail := peer.WorkingURL
		if peer.Status != registry.StatusConnected {
			detail = fmt.Sprintf("%d pairs failed", peer.Tried)
			if len(peer.Errors) > 0 {
				detail += ": " + peer.Errors[len(peer.Errors)-1]
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			peer.ID, peer.Role, peer.Email,
			dash(peer.Addresses.IPv4), dash(peer.Addresses.IPv6),
			peer.Port, peer.Status, detail,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nDiscovered: %d  Connected: %d  Failed: %d\n",
		len(diagnosis.Peers), diagnosis.Connected(), len(diagnosis.Peers)-diagnosis.Connected())
	return nil
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func scanCmd(state *cliState) *cobra.Command {
	var (
		subnet     register.Subnet
		gatewayURL string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Sweep a host range for peers discovery misses",
		Long: "Sweep a host range for peers answering /api/status. Without --prefix the " +
			"subnets from config.yaml are used. With --gateway every responder is registered " +
			"with a running gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := gateway.Subnets(state.settings.Config)
			if subnet.Prefix != "" {
				targets = []register.Subnet{subnet}
			}

			found, err := gateway.ScanOnce(cmd.Context(), state.settings, targets)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, rec := range found {
				fmt.Fprintf(out, "found %s (%s, %s) at %s:%d\n",
					rec.ID, rec.IdentityTag, rec.Role, rec.Addresses.Preferred(), rec.PrimaryPort)
			}
			fmt.Fprintf(out, "%d peers found\n", len(found))

			if gatewayURL == "" {
				return nil
			}
			client := &http.Client{Timeout: 10 * time.Second}
			registered := 0
			for _, rec := range found {
				if err := registerWithGateway(cmd.Context(), client, gatewayURL, rec.Addresses.Preferred(), rec.PrimaryPort); err != nil {
					fmt.Fprintf(out, "register %s failed: %v\n", rec.ID, err)
					continue
				}
				registered++
			}
			fmt.Fprintf(out, "%d peers registered with %s\n", registered, gatewayURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&subnet.Prefix, "prefix", "", "First three octets of the range, e.g. 10.1.10")
	cmd.Flags().IntVar(&subnet.Start, "start", 1, "First host number")
	cmd.Flags().IntVar(&subnet.End, "end", 254, "Last host number")
	cmd.Flags().IntVar(&subnet.Port, "port", 8080, "Peer API port")
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Base URL of a running gateway to register responders with")
	return cmd
}

func registerWithGateway(ctx context.Context, client *http.Client, baseURL, addr string, port int) error {
	query := url.Values{}
	query.Set("ip", addr)
	query.Set("port", strconv.Itoa(port))
	target := strings.TrimSuffix(baseURL, "/") + "/api/register?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body.Error)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}
