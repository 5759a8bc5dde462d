package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a relay",
	Long:  `Check relay health over HTTP (/healthz) or, with --grpc, the gRPC health service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if grpcAddr, _ := cmd.Flags().GetString("grpc"); grpcAddr != "" {
			return grpcHealth(cmd.Context(), out, grpcAddr)
		}

		resp, err := makeHTTPRequest("GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == 200 {
			fmt.Fprintln(out, "✓ Relay is healthy (HTTP)")
		} else {
			fmt.Fprintf(out, "✗ Relay is unhealthy (HTTP %d)\n", resp.StatusCode)
		}
		if outputJSON {
			body, _ := io.ReadAll(resp.Body)
			fmt.Fprintln(out, string(body))
		}
		return nil
	},
}

func grpcHealth(ctx context.Context, out io.Writer, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: health.ServiceName})
	if err != nil {
		fmt.Fprintf(out, "✗ Relay is unhealthy: %v\n", err)
		return nil
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintln(out, "✓ Relay is healthy (gRPC)")
	} else {
		fmt.Fprintf(out, "✗ Relay is %s (gRPC)\n", resp.GetStatus())
	}
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().String("grpc", "", "gRPC health address (host:port); HTTP is used when empty")
}
